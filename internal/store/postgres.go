package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

// Postgres implements Store on pgx/v5. Job and collection bodies are stored
// as JSONB next to the indexed columns the queries need.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a pool, verifies connectivity and runs migrations.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var data []byte
	var token string
	err := p.pool.QueryRow(ctx, `SELECT data, access_token FROM jobs WHERE id = $1`, id).Scan(&data, &token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJob", err)
	}
	return decodeJob(data, token)
}

func decodeJob(data []byte, token string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, apperrors.Internal("store.decodeJob", err)
	}
	j.AccessToken = token
	return &j, nil
}

func (p *Postgres) UpsertJob(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	data, err := json.Marshal(j)
	if err != nil {
		return apperrors.Internal("store.encodeJob", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_key, provider, state, terminal, access_token, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			terminal = EXCLUDED.terminal,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		j.ID, j.Owner.Key(), j.Specification.Provider, string(j.State), j.State.Terminal(),
		j.AccessToken, data, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return apperrors.Internal("store.upsertJob", err)
	}
	return nil
}

func (p *Postgres) ListByOwner(ctx context.Context, owner job.Owner, limit int) ([]*job.Job, error) {
	return p.queryJobs(ctx, "store.listByOwner", `
		SELECT data, access_token FROM jobs
		WHERE owner_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, owner.Key(), clampLimit(limit))
}

func (p *Postgres) ListActive(ctx context.Context) ([]*job.Job, error) {
	return p.queryJobs(ctx, "store.listActive", `
		SELECT data, access_token FROM jobs
		WHERE NOT terminal
		ORDER BY created_at DESC, id DESC`)
}

func (p *Postgres) queryJobs(ctx context.Context, op, query string, args ...any) ([]*job.Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var data []byte
		var token string
		if err := rows.Scan(&data, &token); err != nil {
			return nil, apperrors.Internal(op, err)
		}
		j, err := decodeJob(data, token)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return jobs, nil
}

func (p *Postgres) GetCollection(ctx context.Context, id string) (*job.Collection, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM collections WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("collection", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getCollection", err)
	}
	var c job.Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperrors.Internal("store.decodeCollection", err)
	}
	return &c, nil
}

func (p *Postgres) UpsertCollection(ctx context.Context, c *job.Collection) error {
	if c == nil || c.ID == "" {
		return apperrors.Validation("id", "collection id is required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return apperrors.Internal("store.encodeCollection", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO collections (id, owner_key, provider, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		c.ID, c.Owner.Key(), c.Provider, data, c.CreatedAt,
	)
	if err != nil {
		return apperrors.Internal("store.upsertCollection", err)
	}
	return nil
}

func (p *Postgres) DeleteCollection(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return apperrors.Internal("store.deleteCollection", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("collection", id)
	}
	return nil
}

func (p *Postgres) RecordAllocation(ctx context.Context, mode job.AllocationMode) (job.AllocationMode, bool, error) {
	if mode.AllocationID == "" {
		return job.AllocationMode{}, false, apperrors.Validation("allocationId", "allocation id is required")
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO allocations (allocation_id, managed_by, unique_id, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (allocation_id) DO NOTHING`,
		mode.AllocationID, string(mode.ManagedBy), mode.UniqueID, mode.RecordedAt,
	)
	if err != nil {
		return job.AllocationMode{}, false, apperrors.Internal("store.recordAllocation", err)
	}
	if tag.RowsAffected() == 1 {
		return mode, true, nil
	}
	existing, err := p.GetAllocation(ctx, mode.AllocationID)
	if err != nil {
		return job.AllocationMode{}, false, err
	}
	return *existing, false, nil
}

func (p *Postgres) GetAllocation(ctx context.Context, allocationID string) (*job.AllocationMode, error) {
	var mode job.AllocationMode
	var managedBy string
	err := p.pool.QueryRow(ctx,
		`SELECT allocation_id, managed_by, unique_id, recorded_at FROM allocations WHERE allocation_id = $1`,
		allocationID,
	).Scan(&mode.AllocationID, &managedBy, &mode.UniqueID, &mode.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("allocation", allocationID)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getAllocation", err)
	}
	mode.ManagedBy = job.ManagedBy(managedBy)
	return &mode, nil
}

// Ready pings the database.
func (p *Postgres) Ready(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Store = (*Postgres)(nil)
