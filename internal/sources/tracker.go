// Package sources keeps the per-session catalog of cited documents.
package sources

import (
	"sort"
	"strconv"

	"github.com/ricochet1k/ragstream/internal/domain"
)

// Tracker maps refIDs to source descriptors. Entries are only ever added
// or replaced by a later descriptor with the same refID, never removed.
// It is owned by a single session and is not safe for concurrent use.
type Tracker struct {
	byRef map[string]domain.SourceDescriptor
}

func NewTracker() *Tracker {
	return &Tracker{byRef: make(map[string]domain.SourceDescriptor)}
}

// Merge adds descriptors to the catalog and returns how many refIDs were
// new.
func (t *Tracker) Merge(descriptors []domain.SourceDescriptor) int {
	added := 0
	for _, d := range descriptors {
		if _, ok := t.byRef[d.RefID]; !ok {
			added++
		}
		t.byRef[d.RefID] = d
	}
	return added
}

func (t *Tracker) Lookup(refID string) (domain.SourceDescriptor, bool) {
	d, ok := t.byRef[refID]
	return d, ok
}

func (t *Tracker) Has(refID string) bool {
	_, ok := t.byRef[refID]
	return ok
}

// Resolve splits refs into those present in the catalog (order kept,
// duplicates dropped) and the dangling rest.
func (t *Tracker) Resolve(refs []string) (known, dangling []string) {
	seen := make(map[string]struct{}, len(refs))
	known = make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		if t.Has(ref) {
			known = append(known, ref)
		} else {
			dangling = append(dangling, ref)
		}
	}
	return known, dangling
}

func (t *Tracker) Len() int {
	return len(t.byRef)
}

// Snapshot returns an independent copy of the catalog.
func (t *Tracker) Snapshot() map[string]domain.SourceDescriptor {
	out := make(map[string]domain.SourceDescriptor, len(t.byRef))
	for ref, d := range t.byRef {
		if d.Page != nil {
			page := *d.Page
			d.Page = &page
		}
		out[ref] = d
	}
	return out
}

// Ordered returns descriptors sorted by refID, numerically when both
// refIDs are numbers.
func (t *Tracker) Ordered() []domain.SourceDescriptor {
	return Ordered(t.Snapshot())
}

func Ordered(m map[string]domain.SourceDescriptor) []domain.SourceDescriptor {
	out := make([]domain.SourceDescriptor, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i].RefID)
		b, errB := strconv.Atoi(out[j].RefID)
		if errA == nil && errB == nil {
			return a < b
		}
		return out[i].RefID < out[j].RefID
	})
	return out
}
