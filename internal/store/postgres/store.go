// Package postgres implements the relational backend on PostgreSQL with the
// pgvector extension. Reverse lookups ride native btree/GIN indexes, updates
// run in transactions, and similarity search uses the <=> cosine operator.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// Store is the relational backend. DB is exported so collaborators sharing
// the connection pool (the SQL rate limiter, migrations) can reuse it.
type Store struct {
	DB     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[PGSTORE] ", log.LstdFlags)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db, logger: logger, now: time.Now}, nil
}

// NewWithDB wraps an existing pool, used by tests driving sqlmock.
func NewWithDB(db *sql.DB, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[PGSTORE] ", log.LstdFlags)
	}
	return &Store{DB: db, logger: logger, now: time.Now}
}

const discoveryColumns = `id, agent_id, type, summary, details, tags, severity, status,
created_at, resolved_at, updated_at, related_to, response_to_id, response_type,
responses_from, references_files, confidence, provenance, provenance_chain`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDiscovery(row rowScanner) (*discovery.Discovery, error) {
	var (
		d              discovery.Discovery
		tags           pq.StringArray
		related        pq.StringArray
		responsesFrom  pq.StringArray
		refs           pq.StringArray
		severity       sql.NullString
		responseToID   sql.NullString
		responseType   sql.NullString
		createdAt      time.Time
		resolvedAt     sql.NullTime
		updatedAt      sql.NullTime
		confidence     sql.NullFloat64
		provenance     []byte
		provenanceList []byte
	)
	err := row.Scan(&d.ID, &d.AgentID, &d.Type, &d.Summary, &d.Details, &tags, &severity, &d.Status,
		&createdAt, &resolvedAt, &updatedAt, &related, &responseToID, &responseType,
		&responsesFrom, &refs, &confidence, &provenance, &provenanceList)
	if err != nil {
		return nil, err
	}
	d.Tags = []string(tags)
	d.RelatedTo = []string(related)
	d.ResponsesFrom = []string(responsesFrom)
	d.ReferencesFiles = []string(refs)
	if severity.Valid {
		d.Severity = discovery.Severity(severity.String)
	}
	d.Timestamp = discovery.FormatTime(createdAt)
	if resolvedAt.Valid {
		d.ResolvedAt = discovery.FormatTime(resolvedAt.Time)
	}
	if updatedAt.Valid {
		d.UpdatedAt = discovery.FormatTime(updatedAt.Time)
	}
	if responseToID.Valid {
		d.ResponseTo = &discovery.ResponseRef{
			DiscoveryID: responseToID.String,
			Type:        discovery.ResponseType(responseType.String),
		}
	}
	if confidence.Valid {
		c := confidence.Float64
		d.Confidence = &c
	}
	if len(provenance) > 0 {
		_ = json.Unmarshal(provenance, &d.Provenance)
	}
	if len(provenanceList) > 0 {
		_ = json.Unmarshal(provenanceList, &d.ProvenanceChain)
	}
	return &d, nil
}

func discoveryArgs(d *discovery.Discovery) ([]interface{}, error) {
	var severity, responseToID, responseType sql.NullString
	if d.Severity != "" {
		severity = sql.NullString{String: string(d.Severity), Valid: true}
	}
	if d.ResponseTo != nil {
		responseToID = sql.NullString{String: d.ResponseTo.DiscoveryID, Valid: true}
		responseType = sql.NullString{String: string(d.ResponseTo.Type), Valid: true}
	}
	createdAt, err := discovery.ParseTime(d.Timestamp)
	if err != nil {
		return nil, &discovery.ValidationError{Field: "timestamp", Reason: err.Error()}
	}
	var resolvedAt, updatedAt sql.NullTime
	if t := d.Resolved(); !t.IsZero() {
		resolvedAt = sql.NullTime{Time: t, Valid: true}
	}
	if d.UpdatedAt != "" {
		if t, err := discovery.ParseTime(d.UpdatedAt); err == nil {
			updatedAt = sql.NullTime{Time: t, Valid: true}
		}
	}
	var confidence sql.NullFloat64
	if d.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *d.Confidence, Valid: true}
	}
	provenance, err := nullableJSON(d.Provenance)
	if err != nil {
		return nil, err
	}
	chain, err := nullableJSON(d.ProvenanceChain)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		d.ID, d.AgentID, string(d.Type), d.Summary, d.Details, pq.Array(d.Tags), severity, string(d.Status),
		createdAt, resolvedAt, updatedAt, pq.Array(d.RelatedTo), responseToID, responseType,
		pq.Array(d.ResponsesFrom), pq.Array(d.ReferencesFiles), confidence, provenance, chain,
	}, nil
}

func nullableJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if val == nil {
			return nil, nil
		}
	case []map[string]interface{}:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return raw, nil
}

// Upsert inserts or merges by id inside one transaction, maintaining the
// parent's responses_from backlink when the record carries response_to.
func (s *Store) Upsert(ctx context.Context, d *discovery.Discovery) (err error) {
	if d == nil || d.ID == "" {
		return &discovery.ValidationError{Field: "id", Reason: "required"}
	}
	rec := d.Clone()
	rec.Tags = discovery.NormalizeTags(rec.Tags)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var oldParent sql.NullString
	switch err = tx.QueryRowContext(ctx,
		`SELECT response_to_id FROM discoveries WHERE id = $1 FOR UPDATE`, rec.ID).Scan(&oldParent); {
	case err == nil, errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return fmt.Errorf("lock existing record: %w", err)
	}

	args, err := discoveryArgs(rec)
	if err != nil {
		return err
	}
	// responses_from is accumulated state and survives the merge.
	_, err = tx.ExecContext(ctx, `
INSERT INTO discoveries (`+discoveryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
	agent_id = EXCLUDED.agent_id, type = EXCLUDED.type, summary = EXCLUDED.summary,
	details = EXCLUDED.details, tags = EXCLUDED.tags, severity = EXCLUDED.severity,
	status = EXCLUDED.status, resolved_at = EXCLUDED.resolved_at, updated_at = EXCLUDED.updated_at,
	related_to = EXCLUDED.related_to, response_to_id = EXCLUDED.response_to_id,
	response_type = EXCLUDED.response_type, references_files = EXCLUDED.references_files,
	confidence = EXCLUDED.confidence, provenance = EXCLUDED.provenance,
	provenance_chain = EXCLUDED.provenance_chain
`, args...)
	if err != nil {
		return fmt.Errorf("upsert discovery: %w", err)
	}

	newParent := ""
	if rec.ResponseTo != nil {
		newParent = rec.ResponseTo.DiscoveryID
	}
	if oldParent.Valid && oldParent.String != newParent {
		if err = dropBacklink(ctx, tx, oldParent.String, rec.ID); err != nil {
			return err
		}
	}
	if newParent != "" && (!oldParent.Valid || oldParent.String != newParent) {
		if err = addBacklink(ctx, tx, newParent, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func addBacklink(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	_, err := tx.ExecContext(ctx, `
UPDATE discoveries SET responses_from = array_append(responses_from, $2)
WHERE id = $1 AND NOT ($2 = ANY(responses_from))
`, parentID, childID)
	if err != nil {
		return fmt.Errorf("add backlink %s -> %s: %w", parentID, childID, err)
	}
	return nil
}

func dropBacklink(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	_, err := tx.ExecContext(ctx, `
UPDATE discoveries SET responses_from = array_remove(responses_from, $2) WHERE id = $1
`, parentID, childID)
	if err != nil {
		return fmt.Errorf("drop backlink %s -> %s: %w", parentID, childID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*discovery.Discovery, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+discoveryColumns+` FROM discoveries WHERE id = $1`, id)
	d, err := scanDiscovery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &discovery.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get discovery: %w", err)
	}
	return d, nil
}

// Apply loads the record FOR UPDATE, mutates it in Go and writes the whole
// row back. The transaction gives the all-or-nothing behavior that the
// in-memory backend gets from delta rollback.
func (s *Store) Apply(ctx context.Context, id string, cmds []discovery.UpdateCommand) (out *discovery.Discovery, err error) {
	if err := discovery.ValidateCommands(cmds); err != nil {
		return nil, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+discoveryColumns+` FROM discoveries WHERE id = $1 FOR UPDATE`, id)
	old, err := scanDiscovery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &discovery.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load discovery: %w", err)
	}

	updated := old.Clone()
	discovery.ApplyTo(updated, cmds, s.now())

	// A parent rewire must observe the new parent or fail the whole batch.
	oldParent, newParent := "", ""
	if old.ResponseTo != nil {
		oldParent = old.ResponseTo.DiscoveryID
	}
	if updated.ResponseTo != nil {
		newParent = updated.ResponseTo.DiscoveryID
	}
	if newParent != "" && newParent != oldParent {
		var exists int
		if err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM discoveries WHERE id = $1 FOR UPDATE`, newParent).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = &discovery.NotFoundError{ID: newParent}
			}
			return nil, err
		}
	}

	args, err := discoveryArgs(updated)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE discoveries SET
	agent_id = $2, type = $3, summary = $4, details = $5, tags = $6, severity = $7,
	status = $8, created_at = $9, resolved_at = $10, updated_at = $11, related_to = $12,
	response_to_id = $13, response_type = $14, responses_from = $15, references_files = $16,
	confidence = $17, provenance = $18, provenance_chain = $19
WHERE id = $1
`, args...); err != nil {
		return nil, fmt.Errorf("update discovery: %w", err)
	}

	if newParent != oldParent {
		if oldParent != "" {
			if err = dropBacklink(ctx, tx, oldParent, id); err != nil {
				return nil, err
			}
		}
		if newParent != "" {
			if err = addBacklink(ctx, tx, newParent, id); err != nil {
				return nil, err
			}
		}
	}
	return updated, nil
}

// Query pushes the filter predicates into SQL. Tags use the && overlap
// operator, matching the OR semantics of the in-memory predicate.
func (s *Store) Query(ctx context.Context, f discovery.Filters) ([]*discovery.Discovery, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(string(f.Type)))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Severity != "" {
		where = append(where, "severity = "+arg(string(f.Severity)))
	}
	if len(f.Tags) > 0 {
		normalized := make([]string, 0, len(f.Tags))
		for _, t := range f.Tags {
			if n := discovery.NormalizeTag(t); n != "" {
				normalized = append(normalized, n)
			}
		}
		where = append(where, "tags && "+arg(pq.Array(normalized)))
	}
	if f.ExcludeArchived {
		where = append(where, "status NOT IN ('archived', 'cold')")
	}

	q := `SELECT ` + discoveryColumns + ` FROM discoveries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query discoveries: %w", err)
	}
	defer rows.Close()
	var out []*discovery.Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ByAgent(ctx context.Context, agentID string, limit int) ([]*discovery.Discovery, error) {
	return s.Query(ctx, discovery.Filters{AgentID: agentID, Limit: limit})
}

func (s *Store) Stats(ctx context.Context) (discovery.Stats, error) {
	stats := discovery.NewStats()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT agent_id, type, status, COALESCE(severity, '') FROM discoveries`)
	if err != nil {
		return stats, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agent, typ, status, severity string
		if err := rows.Scan(&agent, &typ, &status, &severity); err != nil {
			return stats, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Count(&discovery.Discovery{
			AgentID:  agent,
			Type:     discovery.Type(typ),
			Status:   discovery.Status(status),
			Severity: discovery.Severity(severity),
		})
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM discovery_edges`).Scan(&stats.Edges); err != nil {
		return stats, fmt.Errorf("count edges: %w", err)
	}
	return stats, nil
}

func (s *Store) AddEdge(ctx context.Context, e discovery.Edge) error {
	if !e.Type.Valid() {
		return &discovery.ValidationError{Field: "edge_type", Reason: "unknown edge type " + string(e.Type)}
	}
	var responseType sql.NullString
	if e.ResponseType != "" {
		responseType = sql.NullString{String: string(e.ResponseType), Valid: true}
	}
	createdAt := s.now()
	if e.CreatedAt != "" {
		if t, err := discovery.ParseTime(e.CreatedAt); err == nil {
			createdAt = t
		}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO discovery_edges (from_id, to_id, type, response_type, strength, reason, bidirectional, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (from_id, to_id, type) DO UPDATE SET
	response_type = EXCLUDED.response_type, strength = EXCLUDED.strength,
	reason = EXCLUDED.reason, bidirectional = EXCLUDED.bidirectional
`, e.From, e.To, string(e.Type), responseType, e.Strength, e.Reason, e.Bidirectional, createdAt)
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

func (s *Store) RemoveEdge(ctx context.Context, from, to string, t discovery.EdgeType) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM discovery_edges WHERE from_id = $1 AND to_id = $2 AND type = $3`,
		from, to, string(t))
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

func (s *Store) Edges(ctx context.Context, id string, dir store.Direction, types ...discovery.EdgeType) ([]discovery.Edge, error) {
	cond := `(to_id = $1 OR (bidirectional AND from_id = $1))`
	if dir == store.Outbound {
		cond = `(from_id = $1 OR (bidirectional AND to_id = $1))`
	}
	args := []interface{}{id}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		args = append(args, pq.Array(names))
		cond += ` AND type = ANY($2)`
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT from_id, to_id, type, COALESCE(response_type, ''), strength, reason, bidirectional, created_at
FROM discovery_edges WHERE `+cond+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	var out []discovery.Edge
	for rows.Next() {
		var (
			e         discovery.Edge
			createdAt time.Time
		)
		if err := rows.Scan(&e.From, &e.To, &e.Type, &e.ResponseType, &e.Strength, &e.Reason, &e.Bidirectional, &createdAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.CreatedAt = discovery.FormatTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InboundCounts(ctx context.Context, ids []string) (map[string]discovery.EdgeCounts, error) {
	out := make(map[string]discovery.EdgeCounts, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT t.id, t.type, COUNT(*) FROM (
	SELECT to_id AS id, type FROM discovery_edges WHERE to_id = ANY($1)
	UNION ALL
	SELECT from_id AS id, type FROM discovery_edges
	WHERE bidirectional AND type = 'RELATED_TO' AND from_id = ANY($1)
) t GROUP BY t.id, t.type`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("count inbound edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, typ string
			n       int
		)
		if err := rows.Scan(&id, &typ, &n); err != nil {
			return nil, fmt.Errorf("scan edge count: %w", err)
		}
		c := out[id]
		switch discovery.EdgeType(typ) {
		case discovery.EdgeRelatedTo:
			c.RelatedIn += n
		case discovery.EdgeRespondsTo:
			c.RespondsIn += n
		case discovery.EdgeSupersedes:
			c.SupersededBy += n
		}
		out[id] = c
	}
	return out, rows.Err()
}

func (s *Store) UpsertEmbedding(ctx context.Context, id string, vec []float32, model string) error {
	literal, err := encodeVectorLiteral(vec)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO discovery_embeddings (discovery_id, embedding, model, updated_at)
VALUES ($1, $2::vector, $3, NOW())
ON CONFLICT (discovery_id) DO UPDATE SET
	embedding = EXCLUDED.embedding, model = EXCLUDED.model, updated_at = NOW()
`, id, literal, model)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// SimilarByVector converts pgvector cosine distance back to similarity so
// every backend reports scores on the same [0,1] scale.
func (s *Store) SimilarByVector(ctx context.Context, vec []float32, topK int) ([]store.Similarity, error) {
	if topK <= 0 {
		topK = 10
	}
	literal, err := encodeVectorLiteral(vec)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT discovery_id, embedding <=> $1::vector AS distance
FROM discovery_embeddings
ORDER BY embedding <=> $1::vector
LIMIT $2
`, literal, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	var out []store.Similarity
	for rows.Next() {
		var (
			id       string
			distance float64
		)
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scan similarity: %w", err)
		}
		score := 1 - distance
		if score < 0 {
			score = 0
		}
		out = append(out, store.Similarity{ID: id, Score: score})
	}
	return out, rows.Err()
}

func (s *Store) FullText(ctx context.Context, query string, limit int) ([]store.Similarity, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ts_rank(search_tsv, plainto_tsquery('english', $1)) AS rank
FROM discoveries
WHERE search_tsv @@ plainto_tsquery('english', $1)
ORDER BY rank DESC
LIMIT $2
`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()
	var out []store.Similarity
	for rows.Next() {
		var hit store.Similarity
		if err := rows.Scan(&hit.ID, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan full-text hit: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// ts_rank is unbounded; normalize by the best hit.
	if len(out) > 0 && out[0].Score > 0 {
		max := out[0].Score
		for i := range out {
			out[i].Score /= max
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", &discovery.ValidationError{Field: "embedding", Reason: "vector must not be empty"}
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

var _ store.Store = (*Store)(nil)
