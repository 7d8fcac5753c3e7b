// Package discovery defines the knowledge record shared by every storage
// backend: the Discovery entity, its enums, typed edges, update commands and
// the error taxonomy surfaced to callers.
package discovery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the canonical timestamp format. Fixed-width fractional
// seconds keep UTC timestamps lexically sortable, which makes the creation
// timestamp double as the natural ordering key.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

const (
	MaxSummaryLen = 1000
	MaxDetailsLen = 5000
)

// Type classifies what kind of knowledge a discovery carries.
type Type string

const (
	TypeBugFound    Type = "bug_found"
	TypeInsight     Type = "insight"
	TypePattern     Type = "pattern"
	TypeImprovement Type = "improvement"
	TypeQuestion    Type = "question"
	TypeAnswer      Type = "answer"
	TypeNote        Type = "note"
)

func (t Type) Valid() bool {
	switch t {
	case TypeBugFound, TypeInsight, TypePattern, TypeImprovement, TypeQuestion, TypeAnswer, TypeNote:
		return true
	}
	return false
}

// Severity is optional; the empty value means unset.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case "", SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Status governs the retention tier and the search rank multiplier.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusArchived Status = "archived"
	StatusDisputed Status = "disputed"
	StatusCold     Status = "cold"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusArchived, StatusDisputed, StatusCold:
		return true
	}
	return false
}

// ResponseType qualifies how a discovery responds to its parent.
type ResponseType string

const (
	ResponseExtend   ResponseType = "extend"
	ResponseQuestion ResponseType = "question"
	ResponseDisagree ResponseType = "disagree"
	ResponseSupport  ResponseType = "support"
)

func (r ResponseType) Valid() bool {
	switch r {
	case ResponseExtend, ResponseQuestion, ResponseDisagree, ResponseSupport:
		return true
	}
	return false
}

// ResponseRef points a discovery at the single parent it responds to.
type ResponseRef struct {
	DiscoveryID string       `json:"discovery_id"`
	Type        ResponseType `json:"response_type"`
}

// Discovery is the sole entity type stored by the graph.
type Discovery struct {
	ID              string                   `json:"id"`
	AgentID         string                   `json:"agent_id"`
	Type            Type                     `json:"type"`
	Summary         string                   `json:"summary"`
	Details         string                   `json:"details,omitempty"`
	Tags            []string                 `json:"tags,omitempty"`
	Severity        Severity                 `json:"severity,omitempty"`
	Status          Status                   `json:"status"`
	Timestamp       string                   `json:"timestamp"`
	ResolvedAt      string                   `json:"resolved_at,omitempty"`
	UpdatedAt       string                   `json:"updated_at,omitempty"`
	RelatedTo       []string                 `json:"related_to,omitempty"`
	ResponseTo      *ResponseRef             `json:"response_to,omitempty"`
	ResponsesFrom   []string                 `json:"responses_from,omitempty"`
	ReferencesFiles []string                 `json:"references_files,omitempty"`
	Confidence      *float64                 `json:"confidence,omitempty"`
	Provenance      map[string]interface{}   `json:"provenance,omitempty"`
	ProvenanceChain []map[string]interface{} `json:"provenance_chain,omitempty"`
}

// NewID returns a globally unique, lexically sortable id derived from the
// creation timestamp, with a short random suffix to break same-microsecond
// collisions between concurrent writers.
func NewID(t time.Time) string {
	return fmt.Sprintf("d-%s-%s", t.UTC().Format("20060102T150405.000000Z"), uuid.NewString()[:8])
}

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical or plain RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Created returns the parsed creation timestamp, zero when absent or
// malformed.
func (d *Discovery) Created() time.Time {
	t, err := ParseTime(d.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Resolved returns the parsed resolution timestamp, zero when unresolved.
func (d *Discovery) Resolved() time.Time {
	if d.ResolvedAt == "" {
		return time.Time{}
	}
	t, err := ParseTime(d.ResolvedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Updated returns the parsed last-update timestamp, falling back to the
// creation timestamp when the record was never updated.
func (d *Discovery) Updated() time.Time {
	if d.UpdatedAt == "" {
		return d.Created()
	}
	t, err := ParseTime(d.UpdatedAt)
	if err != nil {
		return d.Created()
	}
	return t
}

var tagSeparators = regexp.MustCompile(`[\s_./\\:,]+`)
var tagHyphens = regexp.MustCompile(`-{2,}`)

// NormalizeTag lowercases a tag and collapses separator runs to single
// hyphens. The empty string means the tag normalized away entirely.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = tagSeparators.ReplaceAllString(tag, "-")
	tag = tagHyphens.ReplaceAllString(tag, "-")
	return strings.Trim(tag, "-")
}

// NormalizeTags normalizes and deduplicates, preserving first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		tag := NormalizeTag(raw)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate checks field shapes and enum membership. It performs no I/O and
// must be called before any write so that malformed input has zero side
// effects.
func (d *Discovery) Validate() error {
	if strings.TrimSpace(d.AgentID) == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if !d.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", d.Type)}
	}
	if strings.TrimSpace(d.Summary) == "" {
		return &ValidationError{Field: "summary", Reason: "required"}
	}
	if len(d.Summary) > MaxSummaryLen {
		return &ValidationError{Field: "summary", Reason: fmt.Sprintf("exceeds %d characters", MaxSummaryLen)}
	}
	if len(d.Details) > MaxDetailsLen {
		return &ValidationError{Field: "details", Reason: fmt.Sprintf("exceeds %d characters", MaxDetailsLen)}
	}
	if !d.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", d.Severity)}
	}
	if d.Status != "" && !d.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", d.Status)}
	}
	if d.ResponseTo != nil {
		if strings.TrimSpace(d.ResponseTo.DiscoveryID) == "" {
			return &ValidationError{Field: "response_to", Reason: "discovery_id required"}
		}
		if !d.ResponseTo.Type.Valid() {
			return &ValidationError{Field: "response_to", Reason: fmt.Sprintf("unknown response_type %q", d.ResponseTo.Type)}
		}
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
	}
	return nil
}

// Clone returns a deep copy so callers can hand records across goroutine
// boundaries without sharing slices or maps.
func (d *Discovery) Clone() *Discovery {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Tags = append([]string(nil), d.Tags...)
	cp.RelatedTo = append([]string(nil), d.RelatedTo...)
	cp.ResponsesFrom = append([]string(nil), d.ResponsesFrom...)
	cp.ReferencesFiles = append([]string(nil), d.ReferencesFiles...)
	if d.ResponseTo != nil {
		ref := *d.ResponseTo
		cp.ResponseTo = &ref
	}
	if d.Confidence != nil {
		c := *d.Confidence
		cp.Confidence = &c
	}
	if d.Provenance != nil {
		cp.Provenance = cloneMap(d.Provenance)
	}
	if d.ProvenanceChain != nil {
		chain := make([]map[string]interface{}, len(d.ProvenanceChain))
		for i, m := range d.ProvenanceChain {
			chain[i] = cloneMap(m)
		}
		cp.ProvenanceChain = chain
	}
	return &cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ToMap flattens the discovery into a plain map, the shape handed to the
// protocol layer and persisted by document backends.
func (d *Discovery) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal discovery map: %w", err)
	}
	return out, nil
}

// FromMap rebuilds a discovery from its ToMap form.
func FromMap(m map[string]interface{}) (*Discovery, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery map: %w", err)
	}
	var d Discovery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal discovery: %w", err)
	}
	return &d, nil
}
