package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

var ErrEmptyQuery = errors.New("query text is empty")

// Query is what the caller asks. Filters are sent as a JSON object and
// SearchType selects the retrieval strategy on the backend.
type Query struct {
	Text       string
	Filters    map[string]any
	SearchType string
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return ErrEmptyQuery
	}
	return nil
}

// Endpoint returns base with the query encoded as URL parameters. http and
// https bases are rewritten to ws and wss.
func (q Query) Endpoint(base string) (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}
	u, err := supervisor.WebSocketURL(base)
	if err != nil {
		return "", err
	}

	params := u.Query()
	params.Set(protocol.QueryParamQuery, q.Text)
	if len(q.Filters) > 0 {
		data, err := json.Marshal(q.Filters)
		if err != nil {
			return "", fmt.Errorf("encode filters: %w", err)
		}
		params.Set(protocol.QueryParamFilters, string(data))
	}
	if q.SearchType != "" {
		params.Set(protocol.QueryParamSearchType, q.SearchType)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}
