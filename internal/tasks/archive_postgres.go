package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive persists terminal task snapshots for audit and history.
// The in-memory registry stays the source of truth while tasks are live.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initArchiveSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

func initArchiveSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS synthesis_tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			voice_id TEXT NOT NULL,
			text TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			output_filename TEXT NOT NULL DEFAULT '',
			sample_rate INTEGER NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			synthesis_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_synthesis_tasks_created ON synthesis_tasks (created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresArchive) SaveTask(ctx context.Context, task *Task) error {
	var (
		mode, filename   string
		sampleRate       int
		duration, synthT float64
	)
	if task.Result != nil {
		mode = task.Result.Mode
		filename = task.Result.Filename
		sampleRate = task.Result.SampleRate
		duration = task.Result.DurationSeconds
		synthT = task.Result.SynthesisSeconds
	}
	var started, completed *time.Time
	if !task.StartedAt.IsZero() {
		started = &task.StartedAt
	}
	if !task.CompletedAt.IsZero() {
		completed = &task.CompletedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO synthesis_tasks (
			id, status, voice_id, text, mode, output_filename, sample_rate,
			duration_seconds, synthesis_seconds, error, created_at, started_at,
			completed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			mode=EXCLUDED.mode,
			output_filename=EXCLUDED.output_filename,
			sample_rate=EXCLUDED.sample_rate,
			duration_seconds=EXCLUDED.duration_seconds,
			synthesis_seconds=EXCLUDED.synthesis_seconds,
			error=EXCLUDED.error,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at`,
		task.ID,
		string(task.Status),
		task.Request.VoiceID,
		task.Request.Text,
		mode,
		filename,
		sampleRate,
		duration,
		synthT,
		task.Error,
		task.CreatedAt,
		started,
		completed,
	)
	if err != nil {
		return fmt.Errorf("upsert task snapshot: %w", err)
	}
	return nil
}

// GetTask reads one archived snapshot back, mainly for operational tooling.
func (s *PostgresArchive) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, voice_id, text, mode, output_filename, sample_rate,
		        duration_seconds, synthesis_seconds, error, created_at, started_at,
		        completed_at
		   FROM synthesis_tasks WHERE id=$1`,
		taskID,
	)

	var (
		task               Task
		status             string
		res                Result
		started, completed *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&status,
		&task.Request.VoiceID,
		&task.Request.Text,
		&res.Mode,
		&res.Filename,
		&res.SampleRate,
		&res.DurationSeconds,
		&res.SynthesisSeconds,
		&task.Error,
		&task.CreatedAt,
		&started,
		&completed,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task snapshot: %w", err)
	}
	task.Status = Status(status)
	if task.Status == StatusCompleted {
		task.Progress = 1.0
	}
	if started != nil {
		task.StartedAt = *started
	}
	if completed != nil {
		task.CompletedAt = *completed
	}
	if res.Filename != "" {
		task.Result = &res
	}
	return &task, nil
}

func (s *PostgresArchive) Close() error {
	s.pool.Close()
	return nil
}
