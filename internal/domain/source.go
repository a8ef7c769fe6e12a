package domain

// SourceDescriptor is a retrieved document excerpt that answer chunks may
// cite by RefID. RefIDs are 1-based strings, stable for a session.
type SourceDescriptor struct {
	RefID      string `json:"ref_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Page       *int   `json:"page,omitempty"`
	Content    string `json:"content"`
}
