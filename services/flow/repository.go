package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultListLimit = 50

// Repository handles flow schema and run history persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the flows and flow_runs tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flows (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			schema     JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS flow_runs (
			id            UUID PRIMARY KEY,
			flow_id       TEXT NOT NULL,
			status        TEXT NOT NULL,
			priority      TEXT NOT NULL,
			parent_run_id TEXT NOT NULL DEFAULT '',
			error_code    TEXT NOT NULL DEFAULT '',
			snapshot      JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS flow_runs_flow_id_created_at
			ON flow_runs (flow_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample temperature-alert flow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	body, err := json.Marshal(SampleFlow())
	if err != nil {
		return fmt.Errorf("marshal seed flow: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO flows (id, name, schema)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, SampleFlowID, "Temperature Alert", body)
	if err != nil {
		return fmt.Errorf("seed flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow schema by ID. Returns nil, nil if not found.
func (r *Repository) GetFlow(ctx context.Context, id string) (*FlowSchema, error) {
	var body []byte
	var schema FlowSchema

	err := r.db.QueryRow(ctx, `
		SELECT schema, created_at, updated_at FROM flows WHERE id = $1
	`, id).Scan(&body, &schema.CreatedAt, &schema.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}

	createdAt, updatedAt := schema.CreatedAt, schema.UpdatedAt
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	schema.ID = id
	schema.CreatedAt, schema.UpdatedAt = createdAt, updatedAt
	return &schema, nil
}

// SaveFlow inserts or replaces a flow schema.
func (r *Repository) SaveFlow(ctx context.Context, schema *FlowSchema) error {
	if schema == nil || schema.ID == "" {
		return errors.New("save flow: schema id is required")
	}
	body, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal flow schema: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO flows (id, name, schema)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, schema = EXCLUDED.schema, updated_at = NOW()
	`, schema.ID, schema.Name, body)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// SaveRun upserts a run snapshot. Later snapshots of the same run replace
// earlier ones.
func (r *Repository) SaveRun(ctx context.Context, snap RunSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	var code string
	if snap.Error != nil {
		code = snap.Error.Code
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO flow_runs (id, flow_id, status, priority, parent_run_id, error_code,
			snapshot, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, error_code = EXCLUDED.error_code,
			snapshot = EXCLUDED.snapshot, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, snap.ID, snap.FlowID, string(snap.Status), string(snap.Priority), snap.ParentRunID, code,
		body, snap.CreatedAt, nullTime(snap.StartedAt), nullTime(snap.CompletedAt))
	if err != nil {
		return fmt.Errorf("save run %s: %w", snap.ID, err)
	}
	return nil
}

// GetRun retrieves a stored run snapshot. Returns nil, nil if not found.
func (r *Repository) GetRun(ctx context.Context, id string) (*RunSnapshot, error) {
	var body []byte
	err := r.db.QueryRow(ctx, `SELECT snapshot FROM flow_runs WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var snap RunSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal run snapshot: %w", err)
	}
	return &snap, nil
}

// ListRuns returns the most recent runs of a flow, newest first.
func (r *Repository) ListRuns(ctx context.Context, flowID string, limit int) ([]RunSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT snapshot FROM flow_runs
		WHERE flow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]RunSnapshot, 0, len(bodies))
	for _, body := range bodies {
		var snap RunSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal run snapshot: %w", err)
		}
		runs = append(runs, snap)
	}
	return runs, nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
