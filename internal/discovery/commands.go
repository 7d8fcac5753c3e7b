package discovery

import "time"

// UpdateCommand names a single mutable field and carries its new value.
// Backends apply a batch of commands atomically and touch only the named
// fields, so partial updates stay typed instead of flowing through untyped
// maps.
type UpdateCommand interface {
	// Field returns the index bucket the command mutates, or the record
	// field name for fields without a reverse index.
	Field() string
}

// SetStatus moves a discovery to a new lifecycle status.
type SetStatus struct {
	Status Status
	// ResolvedAt is stamped when transitioning to resolved; optional.
	ResolvedAt string
}

func (SetStatus) Field() string { return "status" }

// SetResolvedAt overrides the resolution timestamp, for writers importing
// records resolved elsewhere. Empty clears it.
type SetResolvedAt struct{ ResolvedAt string }

func (SetResolvedAt) Field() string { return "resolved_at" }

// SetTags replaces the tag set. Values are normalized before application.
type SetTags struct{ Tags []string }

func (SetTags) Field() string { return "tags" }

// SetSeverity replaces the severity, empty clears it.
type SetSeverity struct{ Severity Severity }

func (SetSeverity) Field() string { return "severity" }

// SetType reclassifies the discovery.
type SetType struct{ Type Type }

func (SetType) Field() string { return "type" }

// SetResponseTo rewires the parent pointer. Backends atomically remove the
// id from the old parent's responses_from and add it to the new parent's.
type SetResponseTo struct{ Ref *ResponseRef }

func (SetResponseTo) Field() string { return "response_to" }

// SetSummary replaces the summary text.
type SetSummary struct{ Summary string }

func (SetSummary) Field() string { return "summary" }

// SetDetails replaces the long-form body.
type SetDetails struct{ Details string }

func (SetDetails) Field() string { return "details" }

// SetConfidence replaces the confidence estimate, nil clears it.
type SetConfidence struct{ Confidence *float64 }

func (SetConfidence) Field() string { return "confidence" }

// AddRelated appends discovery ids to related_to, skipping duplicates.
type AddRelated struct{ IDs []string }

func (AddRelated) Field() string { return "related_to" }

// SetReferences replaces the referenced file list.
type SetReferences struct{ Files []string }

func (SetReferences) Field() string { return "references_files" }

// ApplyTo mutates d according to the command batch. Callers must run
// ValidateCommands first; ApplyTo itself never fails. now is used to stamp
// resolved_at on a transition to resolved.
func ApplyTo(d *Discovery, cmds []UpdateCommand, now time.Time) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case SetStatus:
			d.Status = c.Status
			if c.Status == StatusResolved {
				if c.ResolvedAt != "" {
					d.ResolvedAt = c.ResolvedAt
				} else if d.ResolvedAt == "" {
					d.ResolvedAt = FormatTime(now)
				}
			}
		case SetResolvedAt:
			d.ResolvedAt = c.ResolvedAt
		case SetTags:
			d.Tags = NormalizeTags(c.Tags)
		case SetSeverity:
			d.Severity = c.Severity
		case SetType:
			d.Type = c.Type
		case SetResponseTo:
			if c.Ref == nil {
				d.ResponseTo = nil
			} else {
				ref := *c.Ref
				d.ResponseTo = &ref
			}
		case SetSummary:
			d.Summary = c.Summary
		case SetDetails:
			d.Details = c.Details
		case SetConfidence:
			d.Confidence = c.Confidence
		case SetReferences:
			d.ReferencesFiles = append([]string(nil), c.Files...)
		case AddRelated:
			for _, rid := range c.IDs {
				if rid == d.ID {
					continue
				}
				dup := false
				for _, have := range d.RelatedTo {
					if have == rid {
						dup = true
						break
					}
				}
				if !dup {
					d.RelatedTo = append(d.RelatedTo, rid)
				}
			}
		}
	}
	d.UpdatedAt = FormatTime(now)
}

// ValidateCommands checks every command's payload before any of them is
// applied, so a malformed batch has zero side effects.
func ValidateCommands(cmds []UpdateCommand) error {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case SetStatus:
			if !c.Status.Valid() {
				return &ValidationError{Field: "status", Reason: "unknown status " + string(c.Status)}
			}
		case SetResolvedAt:
			if c.ResolvedAt != "" {
				if _, err := ParseTime(c.ResolvedAt); err != nil {
					return &ValidationError{Field: "resolved_at", Reason: "unparseable timestamp"}
				}
			}
		case SetSeverity:
			if !c.Severity.Valid() {
				return &ValidationError{Field: "severity", Reason: "unknown severity " + string(c.Severity)}
			}
		case SetType:
			if !c.Type.Valid() {
				return &ValidationError{Field: "type", Reason: "unknown type " + string(c.Type)}
			}
		case SetResponseTo:
			if c.Ref != nil {
				if c.Ref.DiscoveryID == "" {
					return &ValidationError{Field: "response_to", Reason: "discovery_id required"}
				}
				if !c.Ref.Type.Valid() {
					return &ValidationError{Field: "response_to", Reason: "unknown response_type " + string(c.Ref.Type)}
				}
			}
		case SetSummary:
			if c.Summary == "" {
				return &ValidationError{Field: "summary", Reason: "required"}
			}
			if len(c.Summary) > MaxSummaryLen {
				return &ValidationError{Field: "summary", Reason: "too long"}
			}
		case SetDetails:
			if len(c.Details) > MaxDetailsLen {
				return &ValidationError{Field: "details", Reason: "too long"}
			}
		case SetConfidence:
			if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
				return &ValidationError{Field: "confidence", Reason: "must be within [0,1]"}
			}
		}
	}
	return nil
}
