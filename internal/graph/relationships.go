package graph

import (
	"context"
	"fmt"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// LinkOptions annotates a RELATED_TO edge.
type LinkOptions struct {
	Reason        string
	Strength      float64
	Bidirectional bool
}

// Link connects two discoveries with a RELATED_TO edge. Both endpoints
// must exist; the edge and the source record's related_to list are updated
// together, and no edge is written when validation fails.
func (m *Manager) Link(ctx context.Context, fromID, toID string, opts LinkOptions) error {
	if fromID == toID {
		return &discovery.ValidationError{Field: "to_id", Reason: "cannot link a discovery to itself"}
	}
	if _, err := m.store.Get(ctx, fromID); err != nil {
		return err
	}
	if _, err := m.store.Get(ctx, toID); err != nil {
		return err
	}
	if err := m.store.AddEdge(ctx, discovery.Edge{
		From: fromID, To: toID, Type: discovery.EdgeRelatedTo,
		Strength: opts.Strength, Reason: opts.Reason, Bidirectional: opts.Bidirectional,
		CreatedAt: discovery.FormatTime(m.now()),
	}); err != nil {
		return fmt.Errorf("link %s -> %s: %w", fromID, toID, err)
	}
	if _, err := m.store.Apply(ctx, fromID, []discovery.UpdateCommand{
		discovery.AddRelated{IDs: []string{toID}},
	}); err != nil {
		m.logger.Printf("warn: record related_to on %s: %v", fromID, err)
	}
	return nil
}

// Supersede marks newID as replacing oldID. The superseded record keeps
// its status; search ranks it down through the inbound SUPERSEDES penalty.
func (m *Manager) Supersede(ctx context.Context, newID, oldID string) error {
	if newID == oldID {
		return &discovery.ValidationError{Field: "old_id", Reason: "cannot supersede itself"}
	}
	if _, err := m.store.Get(ctx, newID); err != nil {
		return err
	}
	if _, err := m.store.Get(ctx, oldID); err != nil {
		return err
	}
	if err := m.store.AddEdge(ctx, discovery.Edge{
		From: newID, To: oldID, Type: discovery.EdgeSupersedes,
		CreatedAt: discovery.FormatTime(m.now()),
	}); err != nil {
		return fmt.Errorf("supersede %s -> %s: %w", newID, oldID, err)
	}
	return nil
}

// ResponseChain walks response_to parent links upward for at most maxDepth
// hops and returns the chain ordered root first. Each id appears once, at
// the shallowest depth it was reached, and cycles terminate the walk.
func (m *Manager) ResponseChain(ctx context.Context, id string, maxDepth int) ([]*discovery.Discovery, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	start, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*discovery.Discovery{start}
	seen := map[string]struct{}{id: {}}
	current := start
	for hop := 0; hop < maxDepth && current.ResponseTo != nil; hop++ {
		parentID := current.ResponseTo.DiscoveryID
		if _, ok := seen[parentID]; ok {
			break
		}
		parent, err := m.store.Get(ctx, parentID)
		if err != nil {
			if discovery.IsNotFound(err) {
				// Dangling parent reference: the chain ends here.
				break
			}
			return nil, err
		}
		seen[parentID] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}

	// The walk collected leaf-to-root; callers want root first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
