package weaviate

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

const (
	discoveryClass = "Discovery"
	edgeClass      = "DiscoveryEdge"
)

func discoverySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       discoveryClass,
		Description: "A typed knowledge record reported by an agent.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "discovery_id",
				DataType:        []string{"text"},
				Description:     "Stable application-level identifier.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "agent_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "type",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "status",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "severity",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "tags",
				DataType:        []string{"text[]"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:         "details",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:            "created_at",
				DataType:        []string{"text"},
				Description:     "Canonical timestamp, lexically sortable.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "doc",
				DataType:    []string{"text"},
				Description: "Full record as JSON for lossless reconstruction.",
			},
		},
	}
}

func edgeSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       edgeClass,
		Description: "A typed directed relationship between graph nodes.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "from_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "to_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "type",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "response_type",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{Name: "strength", DataType: []string{"number"}},
			{Name: "reason", DataType: []string{"text"}},
			{
				Name:            "bidirectional",
				DataType:        []string{"boolean"},
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// ensureSchema creates the two classes when missing. Existing classes are
// left untouched.
func ensureSchema(ctx context.Context, client *weaviate.Client) error {
	for _, class := range []*models.Class{discoverySchema(), edgeSchema()} {
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			continue
		}
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", class.Class, err)
		}
	}
	return nil
}
