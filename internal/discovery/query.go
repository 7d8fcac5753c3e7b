package discovery

// Filters narrows a store query. Zero values mean "any". Provided tags use
// OR semantics: a record matches when it carries at least one of them.
type Filters struct {
	AgentID  string
	Type     Type
	Status   Status
	Severity Severity
	Tags     []string
	// ExcludeArchived drops archived and cold records inside the backend
	// predicate, before the limit is applied.
	ExcludeArchived bool
	Limit           int
}

// Matches reports whether d satisfies every provided filter. Backends with
// native predicates push the same logic into their query instead.
func (f Filters) Matches(d *Discovery) bool {
	if f.AgentID != "" && d.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Severity != "" && d.Severity != f.Severity {
		return false
	}
	if f.ExcludeArchived && (d.Status == StatusArchived || d.Status == StatusCold) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			want = NormalizeTag(want)
			for _, have := range d.Tags {
				if have == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Stats aggregates corpus-level counts.
type Stats struct {
	Total      int              `json:"total"`
	ByType     map[Type]int     `json:"by_type"`
	ByStatus   map[Status]int   `json:"by_status"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByAgent    map[string]int   `json:"by_agent"`
	Edges      int              `json:"edges"`
}

// NewStats returns a Stats value with allocated maps.
func NewStats() Stats {
	return Stats{
		ByType:     make(map[Type]int),
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[Severity]int),
		ByAgent:    make(map[string]int),
	}
}

// Count folds one discovery into the aggregate.
func (s *Stats) Count(d *Discovery) {
	s.Total++
	s.ByType[d.Type]++
	s.ByStatus[d.Status]++
	if d.Severity != "" {
		s.BySeverity[d.Severity]++
	}
	s.ByAgent[d.AgentID]++
}
