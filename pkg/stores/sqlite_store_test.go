package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/gridlab/pkg/track"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func sampleProject() *track.Project {
	return &track.Project{
		Dir: "logs/exp1",
		Trials: []track.TrialRecord{
			{
				ID:     "a1",
				Params: map[string]any{"lr": 0.1, "arch": "LeNet"},
				Results: []map[string]any{
					{"epoch": 0, "loss": 2.3},
					{"epoch": 1, "loss": 1.7},
				},
			},
			{
				ID:     "b2",
				Params: map[string]any{"lr": 0.01, "arch": "LeNet"},
			},
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("Expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected an empty path to be rejected")
	}
}

func TestStoreMigrationsAreIdempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Expected a second migration to be a no-op, got %v", err)
	}
}

func TestSaveLoadProject(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if err := store.SaveProject(ctx, "exp1", sampleProject()); err != nil {
		t.Fatalf("failed to save project: %v", err)
	}

	p, err := store.LoadProject(ctx, "exp1")
	if err != nil {
		t.Fatalf("failed to load project: %v", err)
	}
	if p.Dir != "logs/exp1" {
		t.Errorf("Expected dir logs/exp1, got %s", p.Dir)
	}
	if len(p.Trials) != 2 {
		t.Fatalf("Expected 2 trials, got %d", len(p.Trials))
	}

	a := p.Trials[0]
	if a.ID != "a1" || a.Params["lr"] != 0.1 || a.Params["arch"] != "LeNet" {
		t.Errorf("Unexpected first trial %+v", a)
	}
	if len(a.Results) != 2 || a.Results[1]["loss"] != 1.7 || a.Results[1]["epoch"] != float64(1) {
		t.Errorf("Expected the result rows in order, got %v", a.Results)
	}
	if len(p.Trials[1].Results) != 0 {
		t.Errorf("Expected no results for b2, got %v", p.Trials[1].Results)
	}
}

func TestSaveProjectReplaces(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if err := store.SaveProject(ctx, "exp1", sampleProject()); err != nil {
		t.Fatalf("failed to save project: %v", err)
	}
	smaller := &track.Project{Dir: "logs/exp1", Trials: []track.TrialRecord{{ID: "c3", Params: map[string]any{}}}}
	if err := store.SaveProject(ctx, "exp1", smaller); err != nil {
		t.Fatalf("failed to save project again: %v", err)
	}

	trials, err := store.ListTrials(ctx, "exp1")
	if err != nil {
		t.Fatalf("failed to list trials: %v", err)
	}
	if len(trials) != 1 || trials[0].ID != "c3" {
		t.Errorf("Expected only trial c3 after replacing, got %+v", trials)
	}
}

func TestListProjectsAndTrials(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if err := store.SaveProject(ctx, "exp1", sampleProject()); err != nil {
		t.Fatalf("failed to save exp1: %v", err)
	}
	if err := store.SaveProject(ctx, "exp0", &track.Project{Dir: "logs/exp0"}); err != nil {
		t.Fatalf("failed to save exp0: %v", err)
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	if len(projects) != 2 || projects[0].Name != "exp0" || projects[1].Trials != 2 {
		t.Errorf("Unexpected projects %+v", projects)
	}

	trials, err := store.ListTrials(ctx, "exp1")
	if err != nil {
		t.Fatalf("failed to list trials: %v", err)
	}
	if len(trials) != 2 || trials[0].Results != 2 || trials[1].Results != 0 {
		t.Errorf("Unexpected trial summaries %+v", trials)
	}
}

func TestLoadMissingProject(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.LoadProject(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if err := store.SaveProject(ctx, "exp1", sampleProject()); err != nil {
		t.Fatalf("failed to save project: %v", err)
	}
	if err := store.DeleteProject(ctx, "exp1"); err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	trials, err := store.ListTrials(ctx, "exp1")
	if err != nil {
		t.Fatalf("failed to list trials: %v", err)
	}
	if len(trials) != 0 {
		t.Errorf("Expected trials to be deleted with the project, got %d", len(trials))
	}
	if err := store.DeleteProject(ctx, "exp1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSaveSnapshotFile(t *testing.T) {
	ctx := context.Background()
	logRoot := t.TempDir()
	path := SnapshotPath(logRoot, "exp1")
	if path != filepath.Join(logRoot, "exp1", "exp1.db") {
		t.Errorf("Unexpected snapshot path %s", path)
	}

	if err := SaveSnapshot(ctx, path, "exp1", sampleProject()); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected the snapshot file: %v", err)
	}

	store, err := OpenSnapshotStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen snapshot: %v", err)
	}
	defer store.Close()

	p, err := store.LoadProject(ctx, "exp1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if len(p.Trials) != 2 {
		t.Errorf("Expected 2 trials, got %d", len(p.Trials))
	}
}

func TestSaveProjectValidation(t *testing.T) {
	store := setupTestStore(t)
	if err := store.SaveProject(context.Background(), "", sampleProject()); err == nil {
		t.Error("Expected an empty name to be rejected")
	}
	if err := store.SaveProject(context.Background(), "exp1", nil); err == nil {
		t.Error("Expected a nil project to be rejected")
	}
}
