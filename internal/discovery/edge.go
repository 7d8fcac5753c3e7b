package discovery

// EdgeType is the closed set of typed relationships between nodes.
type EdgeType string

const (
	EdgeAuthored   EdgeType = "AUTHORED"
	EdgeRespondsTo EdgeType = "RESPONDS_TO"
	EdgeRelatedTo  EdgeType = "RELATED_TO"
	EdgeTagged     EdgeType = "TAGGED"
	EdgeSupersedes EdgeType = "SUPERSEDES"
)

func (t EdgeType) Valid() bool {
	switch t {
	case EdgeAuthored, EdgeRespondsTo, EdgeRelatedTo, EdgeTagged, EdgeSupersedes:
		return true
	}
	return false
}

// Edge is a typed, directed relationship. For AUTHORED the source is an
// agent id; for TAGGED the destination is a tag; otherwise both endpoints
// are discovery ids.
type Edge struct {
	From          string       `json:"from"`
	To            string       `json:"to"`
	Type          EdgeType     `json:"type"`
	ResponseType  ResponseType `json:"response_type,omitempty"`
	Strength      float64      `json:"strength,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Bidirectional bool         `json:"bidirectional,omitempty"`
	CreatedAt     string       `json:"created_at,omitempty"`
}

// EdgeCounts aggregates the inbound references that feed connectivity
// scoring.
type EdgeCounts struct {
	RelatedIn    int
	RespondsIn   int
	SupersededBy int
}
