package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// Postgres stores records in a single executions table.
type Postgres struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgres connects, pings and migrates.
func NewPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Postgres{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Msg("postgres execution store ready")
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spearlet_executions (
			execution_id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(256) NOT NULL DEFAULT '',
			artifact_id VARCHAR(256) NOT NULL DEFAULT '',
			instance_id VARCHAR(256) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			output JSONB,
			exit_code INTEGER NOT NULL DEFAULT 0,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			error_class VARCHAR(32),
			error_kind VARCHAR(32),
			error_message TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spearlet_executions_task ON spearlet_executions(task_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_spearlet_executions_status ON spearlet_executions(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) Put(ctx context.Context, rec types.ExecutionRecord) error {
	// A typed-nil RawMessage would be sent as an empty string, which is not
	// valid JSONB.
	var output any
	if len(rec.Output) > 0 {
		output = []byte(rec.Output)
	}
	var class, kind, msg sql.NullString
	if rec.Error != nil {
		class = sql.NullString{String: rec.Error.Class, Valid: true}
		kind = sql.NullString{String: rec.Error.Kind, Valid: true}
		msg = sql.NullString{String: rec.Error.Message, Valid: true}
	}
	const q = `
		INSERT INTO spearlet_executions (execution_id, task_id, artifact_id, instance_id, status, mode,
			output, exit_code, execution_time_ms, error_class, error_kind, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (execution_id) DO UPDATE SET
			task_id = EXCLUDED.task_id, artifact_id = EXCLUDED.artifact_id, instance_id = EXCLUDED.instance_id,
			status = EXCLUDED.status, output = EXCLUDED.output, exit_code = EXCLUDED.exit_code,
			execution_time_ms = EXCLUDED.execution_time_ms, error_class = EXCLUDED.error_class,
			error_kind = EXCLUDED.error_kind, error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, q,
		rec.ExecutionID, rec.TaskID, rec.ArtifactID, rec.InstanceID, rec.Status, rec.Mode,
		output, rec.ExitCode, rec.ExecutionTimeMs, class, kind, msg, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

const selectColumns = `SELECT execution_id, task_id, artifact_id, instance_id, status, mode, output,
	exit_code, execution_time_ms, error_class, error_kind, error_message, created_at, updated_at
	FROM spearlet_executions`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (types.ExecutionRecord, error) {
	var rec types.ExecutionRecord
	var output []byte
	var class, kind, msg sql.NullString
	err := row.Scan(&rec.ExecutionID, &rec.TaskID, &rec.ArtifactID, &rec.InstanceID, &rec.Status, &rec.Mode,
		&output, &rec.ExitCode, &rec.ExecutionTimeMs, &class, &kind, &msg, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if output != nil {
		rec.Output = output
	}
	if kind.Valid {
		rec.Error = &types.ErrorInfo{Class: class.String, Kind: kind.String, Message: msg.String}
	}
	return rec, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (types.ExecutionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE execution_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.ExecutionRecord{}, notFound(id)
	}
	return rec, err
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]types.ExecutionRecord, error) {
	statuses := f.Statuses
	if statuses == nil {
		statuses = []string{}
	}
	q := selectColumns + `
		WHERE ($1 = '' OR task_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at DESC LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, f.TaskID, pq.Array(statuses), f.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() error { return s.db.Close() }
