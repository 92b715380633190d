package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/gridlab/pkg/track"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// ProjectSummary describes a saved snapshot.
type ProjectSummary struct {
	Name    string    `json:"name"`
	Dir     string    `json:"dir"`
	Trials  int       `json:"trials"`
	SavedAt time.Time `json:"saved_at"`
}

// TrialSummary describes one trial of a saved snapshot.
type TrialSummary struct {
	ID        string         `json:"trial_id"`
	Params    map[string]any `json:"params"`
	Results   int            `json:"results"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists project snapshots.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// SaveProject replaces the snapshot stored under name.
	SaveProject(ctx context.Context, name string, p *track.Project) error

	// LoadProject returns the snapshot stored under name or ErrNotFound.
	LoadProject(ctx context.Context, name string) (*track.Project, error)

	ListProjects(ctx context.Context) ([]ProjectSummary, error)
	ListTrials(ctx context.Context, name string) ([]TrialSummary, error)
	DeleteProject(ctx context.Context, name string) error

	HealthCheck(ctx context.Context) error
}
