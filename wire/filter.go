package wire

// Filter is a conjunction of optional disjunctions used to match events to
// subscriptions. A zero-value field within a Filter is "don't care"; a
// non-empty field is "any of these".
type Filter struct {
	Kinds   []Kind   `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`

	// IDs restricts to events whose own id is in this set.
	IDs []string `json:"ids,omitempty"`

	// ReferencedEvents and ReferencedAuthors match against "e"/"p" tags
	// respectively.
	ReferencedEvents  []string `json:"#e,omitempty"`
	ReferencedAuthors []string `json:"#p,omitempty"`
}

func containsKind(set []Kind, k Kind) bool {
	for _, s := range set {
		if s == k {
			return true
		}
	}
	return false
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Matches reports whether e satisfies every populated predicate in f.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsStr(f.IDs, e.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, e.PubKey) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	if len(f.ReferencedEvents) > 0 {
		if !anyTagValueIn(e, TagEvent, f.ReferencedEvents) {
			return false
		}
	}
	if len(f.ReferencedAuthors) > 0 {
		if !anyTagValueIn(e, TagPubkey, f.ReferencedAuthors) {
			return false
		}
	}
	return true
}

func anyTagValueIn(e *Event, name TagName, set []string) bool {
	for _, t := range e.Tags {
		if t.Name() == name && containsStr(set, t.Value()) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether e satisfies at least one of filters, the
// conjunction-of-filters-is-a-disjunction semantics a subscription with
// multiple filters implies.
func MatchesAny(filters []Filter, e *Event) bool {
	for i := range filters {
		if filters[i].Matches(e) {
			return true
		}
	}
	return false
}
