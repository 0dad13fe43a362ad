package nostr

import "slices"

// Filter selects events for a subscription. Empty fields match anything.
type Filter struct {
	IDs     []string   `json:"ids,omitempty"`
	Authors []string   `json:"authors,omitempty"`
	Kinds   []int      `json:"kinds,omitempty"`
	Since   *Timestamp `json:"since,omitempty"`
	Until   *Timestamp `json:"until,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// Match reports whether ev passes the filter.
func (f *Filter) Match(ev *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

// Filters is a REQ filter list; an event matches if any filter matches.
type Filters []Filter

// Match reports whether any filter matches ev.
func (fs Filters) Match(ev *Event) bool {
	for i := range fs {
		if fs[i].Match(ev) {
			return true
		}
	}
	return false
}
