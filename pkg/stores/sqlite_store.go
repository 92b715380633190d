package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/gridlab/pkg/track"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// SnapshotPath is the snapshot database of an experiment,
// <logroot>/<experiment>/<experiment>.db.
func SnapshotPath(logRoot, experiment string) string {
	return filepath.Join(logRoot, experiment, experiment+".db")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; an in-memory database also only exists on its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveProject replaces the snapshot stored under name in one transaction.
func (s *SQLiteStore) SaveProject(ctx context.Context, name string, p *track.Project) error {
	if name == "" {
		return fmt.Errorf("snapshot name is required")
	}
	if p == nil {
		return fmt.Errorf("project is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to clear snapshot %s: %w", name, err)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (name, dir, saved_at) VALUES (?, ?, ?)`,
		name, p.Dir, now,
	); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", name, err)
	}

	for _, trial := range p.Trials {
		params, err := json.Marshal(trial.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params of trial %s: %w", trial.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trials (experiment, id, params, created_at) VALUES (?, ?, ?, ?)`,
			name, trial.ID, string(params), now,
		); err != nil {
			return fmt.Errorf("failed to save trial %s: %w", trial.ID, err)
		}

		for seq, row := range trial.Results {
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to encode result %d of trial %s: %w", seq, trial.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO results (experiment, trial_id, seq, data) VALUES (?, ?, ?, ?)`,
				name, trial.ID, seq, string(data),
			); err != nil {
				return fmt.Errorf("failed to save result %d of trial %s: %w", seq, trial.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot %s: %w", name, err)
	}
	return nil
}

// LoadProject reads the snapshot stored under name.
func (s *SQLiteStore) LoadProject(ctx context.Context, name string) (*track.Project, error) {
	p := &track.Project{}
	err := s.db.QueryRowContext(ctx, `SELECT dir FROM projects WHERE name = ?`, name).Scan(&p.Dir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", name, err)
	}

	trials, err := s.ListTrials(ctx, name)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(trials))
	for _, t := range trials {
		index[t.ID] = len(p.Trials)
		p.Trials = append(p.Trials, track.TrialRecord{ID: t.ID, Params: t.Params})
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT trial_id, data FROM results WHERE experiment = ? ORDER BY trial_id, seq`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var trialID, data string
		if err := rows.Scan(&trialID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("failed to decode result of trial %s: %w", trialID, err)
		}
		i, ok := index[trialID]
		if !ok {
			continue
		}
		p.Trials[i].Results = append(p.Trials[i].Results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return p, nil
}

// ListProjects lists the saved snapshots by name.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.dir, p.saved_at, COUNT(t.id)
		FROM projects p LEFT JOIN trials t ON t.experiment = p.name
		GROUP BY p.name, p.dir, p.saved_at
		ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []ProjectSummary
	for rows.Next() {
		var ps ProjectSummary
		var savedAt int64
		if err := rows.Scan(&ps.Name, &ps.Dir, &savedAt, &ps.Trials); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		ps.SavedAt = time.UnixMilli(savedAt)
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// ListTrials lists the trials of a snapshot ordered by ID.
func (s *SQLiteStore) ListTrials(ctx context.Context, name string) ([]TrialSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.params, t.created_at, COUNT(r.seq)
		FROM trials t LEFT JOIN results r ON r.experiment = t.experiment AND r.trial_id = t.id
		WHERE t.experiment = ?
		GROUP BY t.id, t.params, t.created_at
		ORDER BY t.id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	defer rows.Close()

	var out []TrialSummary
	for rows.Next() {
		var ts TrialSummary
		var params string
		var createdAt int64
		if err := rows.Scan(&ts.ID, &params, &createdAt, &ts.Results); err != nil {
			return nil, fmt.Errorf("failed to scan trial: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &ts.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of trial %s: %w", ts.ID, err)
		}
		ts.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trials: %w", err)
	}
	return out, nil
}

// DeleteProject removes a snapshot with its trials and results.
func (s *SQLiteStore) DeleteProject(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// OpenSnapshotStore creates the parent directory of path, opens the database
// and applies the migrations.
func OpenSnapshotStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// SaveSnapshot writes p to the snapshot database at path under name.
func SaveSnapshot(ctx context.Context, path, name string, p *track.Project) error {
	store, err := OpenSnapshotStore(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.SaveProject(ctx, name, p)
}
