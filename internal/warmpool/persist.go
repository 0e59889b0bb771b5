package warmpool

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// StateStore persists each pool's last-known target and occupancy to a
// local sqlite file so a restarted engine can log what the pool layout
// looked like before it died, instead of replenishing blind. The warm
// sandboxes themselves never survive a restart — only the bookkeeping does.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens (creating if needed) the sqlite file at path.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("warmpool: open state store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS pool_state (
	backend    TEXT NOT NULL,
	image      TEXT NOT NULL,
	target     INTEGER NOT NULL,
	warm       INTEGER NOT NULL,
	in_use     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (backend, image)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("warmpool: create schema: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// Record upserts the current target/warm/in-use counts for a (backend,image) pool.
func (s *StateStore) Record(backend, image string, target, warm, inUse int) error {
	_, err := s.db.Exec(`
INSERT INTO pool_state (backend, image, target, warm, in_use, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(backend, image) DO UPDATE SET
	target = excluded.target, warm = excluded.warm, in_use = excluded.in_use, updated_at = excluded.updated_at
`, backend, image, target, warm, inUse, time.Now().Unix())
	return err
}

// PriorState is one row recorded before the engine last stopped.
type PriorState struct {
	Backend string
	Image   string
	Target  int
	Warm    int
	InUse   int
}

// LoadAll returns every recorded pool state, most useful right after
// NewManager to log what occupancy looked like in the previous run.
func (s *StateStore) LoadAll() ([]PriorState, error) {
	rows, err := s.db.Query(`SELECT backend, image, target, warm, in_use FROM pool_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriorState
	for rows.Next() {
		var p PriorState
		if err := rows.Scan(&p.Backend, &p.Image, &p.Target, &p.Warm, &p.InUse); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
