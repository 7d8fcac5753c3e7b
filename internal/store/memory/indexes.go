package memory

import (
	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// Index bucket names. byAgent keeps insertion order; the rest are id sets.
const (
	bucketAgent    = "by_agent"
	bucketTag      = "by_tag"
	bucketType     = "by_type"
	bucketSeverity = "by_severity"
	bucketStatus   = "by_status"
)

// indexSet holds the five reverse indexes for the in-memory backend. It is
// mutated only under the store's write lock.
type indexSet struct {
	byAgent    map[string][]string
	byTag      map[string]map[string]struct{}
	byType     map[string]map[string]struct{}
	bySeverity map[string]map[string]struct{}
	byStatus   map[string]map[string]struct{}
}

func newIndexSet() *indexSet {
	return &indexSet{
		byAgent:    make(map[string][]string),
		byTag:      make(map[string]map[string]struct{}),
		byType:     make(map[string]map[string]struct{}),
		bySeverity: make(map[string]map[string]struct{}),
		byStatus:   make(map[string]map[string]struct{}),
	}
}

// indexDelta is one reversible index mutation: add (or remove) id from the
// key'd bucket. Replaying the inverse of applied deltas in reverse order
// restores the exact pre-update index state.
type indexDelta struct {
	bucket string
	key    string
	id     string
	add    bool
}

func (d indexDelta) inverse() indexDelta {
	d.add = !d.add
	return d
}

func (ix *indexSet) set(bucket string) map[string]map[string]struct{} {
	switch bucket {
	case bucketTag:
		return ix.byTag
	case bucketType:
		return ix.byType
	case bucketSeverity:
		return ix.bySeverity
	case bucketStatus:
		return ix.byStatus
	}
	return nil
}

func (ix *indexSet) apply(d indexDelta) {
	if d.key == "" {
		return
	}
	if d.bucket == bucketAgent {
		if d.add {
			ix.byAgent[d.key] = append(ix.byAgent[d.key], d.id)
		} else {
			ids := ix.byAgent[d.key]
			for i, id := range ids {
				if id == d.id {
					ix.byAgent[d.key] = append(ids[:i:i], ids[i+1:]...)
					break
				}
			}
			if len(ix.byAgent[d.key]) == 0 {
				delete(ix.byAgent, d.key)
			}
		}
		return
	}
	set := ix.set(d.bucket)
	if set == nil {
		return
	}
	if d.add {
		if set[d.key] == nil {
			set[d.key] = make(map[string]struct{})
		}
		set[d.key][d.id] = struct{}{}
		return
	}
	delete(set[d.key], d.id)
	if len(set[d.key]) == 0 {
		delete(set, d.key)
	}
}

// addAll indexes a record into every bucket, used for fresh inserts and
// snapshot loads where reversibility is not needed.
func (ix *indexSet) addAll(d *discovery.Discovery) {
	for _, delta := range insertDeltas(d) {
		ix.apply(delta)
	}
}

// removeAll is the inverse of addAll, used when an upsert replaces a record.
func (ix *indexSet) removeAll(d *discovery.Discovery) {
	for _, delta := range insertDeltas(d) {
		ix.apply(delta.inverse())
	}
}

func insertDeltas(d *discovery.Discovery) []indexDelta {
	deltas := []indexDelta{
		{bucket: bucketAgent, key: d.AgentID, id: d.ID, add: true},
		{bucket: bucketType, key: string(d.Type), id: d.ID, add: true},
		{bucket: bucketStatus, key: string(d.Status), id: d.ID, add: true},
	}
	if d.Severity != "" {
		deltas = append(deltas, indexDelta{bucket: bucketSeverity, key: string(d.Severity), id: d.ID, add: true})
	}
	for _, tag := range d.Tags {
		deltas = append(deltas, indexDelta{bucket: bucketTag, key: tag, id: d.ID, add: true})
	}
	return deltas
}

// updateDeltas computes the index mutations that move a record from its old
// field values to the new ones. Unchanged values yield no deltas.
func updateDeltas(old, updated *discovery.Discovery) []indexDelta {
	var deltas []indexDelta
	if old.Type != updated.Type {
		deltas = append(deltas,
			indexDelta{bucket: bucketType, key: string(old.Type), id: old.ID},
			indexDelta{bucket: bucketType, key: string(updated.Type), id: old.ID, add: true})
	}
	if old.Status != updated.Status {
		deltas = append(deltas,
			indexDelta{bucket: bucketStatus, key: string(old.Status), id: old.ID},
			indexDelta{bucket: bucketStatus, key: string(updated.Status), id: old.ID, add: true})
	}
	if old.Severity != updated.Severity {
		deltas = append(deltas,
			indexDelta{bucket: bucketSeverity, key: string(old.Severity), id: old.ID},
			indexDelta{bucket: bucketSeverity, key: string(updated.Severity), id: old.ID, add: true})
	}
	oldTags := make(map[string]struct{}, len(old.Tags))
	for _, t := range old.Tags {
		oldTags[t] = struct{}{}
	}
	newTags := make(map[string]struct{}, len(updated.Tags))
	for _, t := range updated.Tags {
		newTags[t] = struct{}{}
	}
	for _, t := range old.Tags {
		if _, keep := newTags[t]; !keep {
			deltas = append(deltas, indexDelta{bucket: bucketTag, key: t, id: old.ID})
		}
	}
	for _, t := range updated.Tags {
		if _, had := oldTags[t]; !had {
			deltas = append(deltas, indexDelta{bucket: bucketTag, key: t, id: old.ID, add: true})
		}
	}
	return deltas
}

// idsFor returns the id set for one bucket key, nil when the bucket has no
// native candidate narrowing (tags excepted, handled by caller).
func (ix *indexSet) idsFor(bucket, key string) map[string]struct{} {
	if bucket == bucketAgent {
		ids := ix.byAgent[key]
		out := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			out[id] = struct{}{}
		}
		return out
	}
	set := ix.set(bucket)
	if set == nil {
		return nil
	}
	return set[key]
}
