package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PartyRepository stores each record as a JSONB document next to the
// columns used for lookups. Local tokens are indexed in party_tokens so the
// database enforces their uniqueness too.
type PartyRepository struct {
	pool *pgxpool.Pool
}

func NewPartyRepository(pool *pgxpool.Pool) (*PartyRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres party repository: pool is nil")
	}
	return &PartyRepository{pool: pool}, nil
}

func (r *PartyRepository) LoadAll(ctx context.Context) (out []*parties.Record, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("party_load_all", start, err) }()

	rows, err := r.pool.Query(ctx, `SELECT document FROM parties ORDER BY country_code, party_id, role`)
	if err != nil {
		return nil, fmt.Errorf("query parties: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan party: %w", err)
		}
		rec := &parties.Record{}
		if err := json.Unmarshal(doc, rec); err != nil {
			return nil, fmt.Errorf("decode party: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parties: %w", err)
	}
	return out, nil
}

func (r *PartyRepository) Save(ctx context.Context, rec *parties.Record) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("party_save", start, err) }()

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode party: %w", err)
	}
	key := rec.Identity.Key()

	err = withTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO parties (party_key, country_code, party_id, role, status, document, content_hash, created_at, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (party_key) DO UPDATE
   SET status = EXCLUDED.status,
       document = EXCLUDED.document,
       content_hash = EXCLUDED.content_hash,
       last_updated = EXCLUDED.last_updated`,
			key,
			rec.Identity.CountryCode,
			rec.Identity.PartyID,
			string(rec.Identity.Role),
			string(rec.Status),
			doc,
			rec.ContentHash,
			rec.CreatedAt,
			rec.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("upsert party: %w", err)
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM party_tokens WHERE party_key = $1`, key)
		for _, l := range rec.LocalAccess {
			batch.Queue(`INSERT INTO party_tokens (token, party_key) VALUES ($1, $2)`, l.AccessToken, key)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("index tokens: %w", err)
		}
		return nil
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", parties.ErrDuplicateToken, key)
	}
	return err
}

// Delete removes a record. The registry never deletes; operators use it to
// purge parties in status DELETED.
func (r *PartyRepository) Delete(ctx context.Context, id parties.Identity) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("party_delete", start, err) }()

	tag, err := r.pool.Exec(ctx, `DELETE FROM parties WHERE party_key = $1`, id.Key())
	if err != nil {
		return fmt.Errorf("delete party: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", parties.ErrPartyNotFound, id)
	}
	return nil
}
