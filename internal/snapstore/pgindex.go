package snapstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgIndex mirrors the local JSON index into Postgres via pgxpool, the same
// pooled-connection pattern the control plane used for its own persisted
// state. The JSON file under LocalDir remains authoritative and is what Open
// reads back on startup; Postgres here is a queryable, durable mirror an
// operator can inspect with plain SQL without shelling into the engine host.
type pgIndex struct {
	pool *pgxpool.Pool
}

const pgIndexSchema = `
CREATE TABLE IF NOT EXISTS snapstore_index (
	hash        TEXT PRIMARY KEY,
	parent_hash TEXT NOT NULL DEFAULT '',
	size_bytes  BIGINT NOT NULL,
	ref_count   INTEGER NOT NULL,
	last_touch  TIMESTAMPTZ NOT NULL,
	is_page     BOOLEAN NOT NULL
);`

// openPGIndex connects to dsn and ensures the mirror table exists.
func openPGIndex(ctx context.Context, dsn string) (*pgIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgIndexSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgIndex{pool: pool}, nil
}

func (p *pgIndex) close() {
	p.pool.Close()
}

// sync upserts every entry's current state. Called after each local index
// save, so the mirror lags the authoritative JSON file by at most one write.
func (p *pgIndex) sync(entries []indexEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const upsert = `
INSERT INTO snapstore_index (hash, parent_hash, size_bytes, ref_count, last_touch, is_page)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (hash) DO UPDATE SET
	parent_hash = excluded.parent_hash,
	size_bytes  = excluded.size_bytes,
	ref_count   = excluded.ref_count,
	last_touch  = excluded.last_touch,
	is_page     = excluded.is_page
`
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsert, e.Hash, e.ParentHash, e.SizeBytes, e.RefCount, e.LastTouch, e.IsPage)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// remove deletes hash's mirrored row, matching Store.Delete.
func (p *pgIndex) remove(hash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.pool.Exec(ctx, `DELETE FROM snapstore_index WHERE hash = $1`, hash)
	return err
}
