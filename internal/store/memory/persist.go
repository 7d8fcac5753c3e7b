package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// persister snapshots the in-memory state to a local sqlite file. Records
// are stored as JSON documents; the reverse indexes are derived state and
// rebuilt on load rather than persisted.
type persister struct {
	db *sql.DB
}

const persistSchema = `
CREATE TABLE IF NOT EXISTS discoveries (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS edges (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS embeddings (
	id  TEXT PRIMARY KEY,
	vec TEXT NOT NULL
);`

func openPersister(path string) (*persister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer keeps snapshot transactions from contending.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(persistSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &persister{db: db}, nil
}

// save replaces the whole snapshot in one transaction. The dataset is
// bounded by what fits in memory, so full rewrites stay cheap and avoid
// tracking per-record dirtiness.
func (p *persister) save(records map[string]*discovery.Discovery, edges []discovery.Edge, vectors map[string][]float32) (err error) {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	for _, table := range []string{"discoveries", "edges", "embeddings"} {
		if _, err = tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for id, rec := range records {
		var doc []byte
		doc, err = json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", id, err)
		}
		if _, err = tx.Exec("INSERT INTO discoveries (id, doc) VALUES (?, ?)", id, string(doc)); err != nil {
			return fmt.Errorf("insert %s: %w", id, err)
		}
	}
	for _, e := range edges {
		var doc []byte
		doc, err = json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal edge: %w", err)
		}
		if _, err = tx.Exec("INSERT INTO edges (doc) VALUES (?)", string(doc)); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}
	for id, vec := range vectors {
		var doc []byte
		doc, err = json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("marshal vector %s: %w", id, err)
		}
		if _, err = tx.Exec("INSERT INTO embeddings (id, vec) VALUES (?, ?)", id, string(doc)); err != nil {
			return fmt.Errorf("insert vector %s: %w", id, err)
		}
	}
	return nil
}

func (p *persister) load() ([]*discovery.Discovery, []discovery.Edge, map[string][]float32, error) {
	var records []*discovery.Discovery
	rows, err := p.db.Query("SELECT doc FROM discoveries")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load discoveries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, nil, nil, fmt.Errorf("scan discovery: %w", err)
		}
		var rec discovery.Discovery
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, nil, nil, fmt.Errorf("decode discovery: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	var edges []discovery.Edge
	erows, err := p.db.Query("SELECT doc FROM edges ORDER BY seq")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load edges: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var doc string
		if err := erows.Scan(&doc); err != nil {
			return nil, nil, nil, fmt.Errorf("scan edge: %w", err)
		}
		var e discovery.Edge
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, nil, nil, fmt.Errorf("decode edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, nil, nil, err
	}

	vectors := make(map[string][]float32)
	vrows, err := p.db.Query("SELECT id, vec FROM embeddings")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var id, doc string
		if err := vrows.Scan(&id, &doc); err != nil {
			return nil, nil, nil, fmt.Errorf("scan embedding: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(doc), &vec); err != nil {
			return nil, nil, nil, fmt.Errorf("decode embedding %s: %w", id, err)
		}
		vectors[id] = vec
	}
	if err := vrows.Err(); err != nil {
		return nil, nil, nil, err
	}
	return records, edges, vectors, nil
}

func (p *persister) close() error {
	return p.db.Close()
}
