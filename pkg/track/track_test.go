package track

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openSession(t *testing.T, s *Store, cfg SessionConfig) *Session {
	t.Helper()
	sess, err := s.OpenSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore()

	sess := openSession(t, store, SessionConfig{
		LocalDir: dir,
		TrialID:  "t1",
		Params:   map[string]any{"lr": 0.1, "schedule": []any{1, 2}},
		Seed:     3,
	})

	if sess.ID() != "t1" {
		t.Errorf("Expected ID 't1', got '%s'", sess.ID())
	}
	if sess.Dir() != filepath.Join(dir, "trials", "t1") {
		t.Errorf("Unexpected session dir %s", sess.Dir())
	}

	sess.Debug("Starting trial")
	for epoch := 0; epoch < 3; epoch++ {
		if err := sess.Log(map[string]any{"epoch": epoch, "loss": 1.0 / float64(epoch+1)}); err != nil {
			t.Fatalf("failed to log: %v", err)
		}
	}
	if sess.Rows() != 3 {
		t.Errorf("Expected 3 rows, got %d", sess.Rows())
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Errorf("Expected a second close to succeed, got %v", err)
	}
	if err := sess.Log(map[string]any{"epoch": 4}); err == nil {
		t.Error("Expected logging after close to fail")
	}

	debug, err := os.ReadFile(filepath.Join(sess.Dir(), DebugFile))
	if err != nil {
		t.Fatalf("failed to read debug log: %v", err)
	}
	if !strings.Contains(string(debug), "Starting trial") {
		t.Errorf("Expected the debug message in debug.log, got %q", debug)
	}

	p, err := store.LoadProject(ctx, dir, "")
	if err != nil {
		t.Fatalf("failed to load project: %v", err)
	}
	if len(p.Trials) != 1 {
		t.Fatalf("Expected 1 trial, got %d", len(p.Trials))
	}
	rec := p.Trials[0]
	if rec.ID != "t1" || rec.Params["lr"] != 0.1 || rec.Params["trial_id"] != "t1" {
		t.Errorf("Unexpected trial record: %+v", rec)
	}
	if len(rec.Results) != 3 || rec.Results[2]["epoch"] != float64(2) {
		t.Errorf("Unexpected results: %v", rec.Results)
	}
}

func TestSessionGeneratesID(t *testing.T) {
	sess := openSession(t, NewStore(), SessionConfig{LocalDir: t.TempDir()})
	defer sess.Close(context.Background())

	if sess.ID() == "" {
		t.Error("Expected a generated trial ID")
	}
}

func TestSessionRandIsSeeded(t *testing.T) {
	store := NewStore()
	a := openSession(t, store, SessionConfig{LocalDir: t.TempDir(), Seed: 42})
	b := openSession(t, store, SessionConfig{LocalDir: t.TempDir(), Seed: 42})
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	for i := 0; i < 5; i++ {
		if a.Rand().Int63() != b.Rand().Int63() {
			t.Fatal("Expected sessions with equal seeds to draw equal values")
		}
	}
}

func TestSessionMirror(t *testing.T) {
	ctx := context.Background()
	local := t.TempDir()
	remote := filepath.Join(t.TempDir(), "vision", "exp1")
	store := NewStore()

	sess := openSession(t, store, SessionConfig{LocalDir: local, RemoteDir: remote, TrialID: "t1"})
	if err := sess.Log(map[string]any{"acc": 0.9}); err != nil {
		t.Fatalf("failed to log: %v", err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(remote, "trials", "t1", ResultsFile)); err != nil {
		t.Fatalf("Expected results on the mirror: %v", err)
	}

	// A fresh directory loads the mirrored trial.
	fresh := t.TempDir()
	p, err := store.LoadProject(ctx, fresh, "file://"+remote)
	if err != nil {
		t.Fatalf("failed to load project: %v", err)
	}
	if len(p.Trials) != 1 || p.Trials[0].ID != "t1" {
		t.Errorf("Expected the mirrored trial, got %+v", p.Trials)
	}
}

type failingMirror struct{ pushed int }

func (m *failingMirror) Push(context.Context, string, string) error {
	m.pushed++
	return errors.New("network down")
}
func (m *failingMirror) Pull(context.Context, string, string) error { return nil }
func (m *failingMirror) Close() error                               { return nil }

func TestSessionCloseReportsMirrorFailure(t *testing.T) {
	mirror := &failingMirror{}
	store := NewStore(WithMirrorFactory(func(context.Context, string) (Mirror, error) {
		return mirror, nil
	}))

	sess := openSession(t, store, SessionConfig{LocalDir: t.TempDir(), RemoteDir: "remote"})
	err := sess.Close(context.Background())
	if err == nil {
		t.Fatal("Expected the push failure to be reported")
	}
	if err2 := sess.Close(context.Background()); err2 != err {
		t.Errorf("Expected later closes to return the first result, got %v", err2)
	}
	if mirror.pushed != 1 {
		t.Errorf("Expected exactly one push, got %d", mirror.pushed)
	}
}

func TestLoadProjectMissing(t *testing.T) {
	store := NewStore()
	dir := filepath.Join(t.TempDir(), "nothing")

	p, err := store.LoadProject(context.Background(), dir, filepath.Join(t.TempDir(), "no-remote"))
	if err != nil {
		t.Fatalf("Expected a missing project to load, got %v", err)
	}
	if len(p.Trials) != 0 || len(p.Flatten()) != 0 {
		t.Errorf("Expected an empty project, got %+v", p)
	}
}

func TestLoadProjectInvalidRow(t *testing.T) {
	dir := t.TempDir()
	trial := filepath.Join(dir, "trials", "t1")
	if err := os.MkdirAll(trial, 0o755); err != nil {
		t.Fatalf("failed to create trial: %v", err)
	}
	if err := os.WriteFile(filepath.Join(trial, ResultsFile), []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("failed to write results: %v", err)
	}

	if _, err := ReadProject(dir); err == nil {
		t.Error("Expected an invalid row to fail")
	}
}

func TestFlatten(t *testing.T) {
	p := &Project{Trials: []TrialRecord{
		{
			ID:      "a",
			Params:  map[string]any{"lr": 0.1, "schedule": []any{1.0, 2.0}, "acc": "param"},
			Results: []map[string]any{{"epoch": 0.0, "acc": 0.5}, {"epoch": 1.0, "acc": 0.7}},
		},
		{
			ID:      "b",
			Params:  map[string]any{"lr": 0.01},
			Results: []map[string]any{{"epoch": 0.0}},
		},
		{ID: "c", Params: map[string]any{"lr": 1.0}},
	}}

	rows := p.Flatten()
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0]["trial_id"] != "a" || rows[0]["lr"] != 0.1 || rows[0]["schedule"] != "[1,2]" {
		t.Errorf("Unexpected first row: %v", rows[0])
	}
	if rows[1]["acc"] != "param" {
		t.Errorf("Expected params to win over result columns, got %v", rows[1]["acc"])
	}
	if rows[2]["trial_id"] != "b" {
		t.Errorf("Unexpected last row: %v", rows[2])
	}

	results := p.Results()
	if len(results) != 3 || results[0]["acc"] != 0.5 || results[0]["trial_id"] != "a" {
		t.Errorf("Unexpected results: %v", results)
	}

	cols := Columns(rows)
	if strings.Join(cols, ",") != "acc,epoch,lr,schedule,trial_id" {
		t.Errorf("Unexpected columns: %v", cols)
	}
	if ids := p.IDs(); len(ids) != 3 || ids[2] != "c" {
		t.Errorf("Unexpected IDs: %v", ids)
	}
	if _, ok := p.Trial("b"); !ok {
		t.Error("Expected to find trial b")
	}
}

func TestFollow(t *testing.T) {
	dir := t.TempDir()
	store := NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- store.Follow(ctx, dir, func(p *Project) { updates <- len(p.Trials) })
	}()

	select {
	case n := <-updates:
		if n != 0 {
			t.Fatalf("Expected an empty initial project, got %d trials", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the initial callback")
	}

	sess := openSession(t, store, SessionConfig{LocalDir: dir, TrialID: "t1"})
	if err := sess.Log(map[string]any{"loss": 1.0}); err != nil {
		t.Fatalf("failed to log: %v", err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case n := <-updates:
			if n == 1 {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Expected Follow to stop cleanly, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the trial to appear")
		}
	}
}

func TestNewMirror(t *testing.T) {
	ctx := context.Background()

	m, err := NewMirror(ctx, "/srv/mirror")
	if err != nil {
		t.Fatalf("failed to open plain path mirror: %v", err)
	}
	if fm, ok := m.(*FileMirror); !ok || fm.Root != "/srv/mirror" {
		t.Errorf("Expected a FileMirror at /srv/mirror, got %#v", m)
	}

	m, err = NewMirror(ctx, "file:///srv/mirror")
	if err != nil {
		t.Fatalf("failed to open file mirror: %v", err)
	}
	if fm, ok := m.(*FileMirror); !ok || fm.Root != "/srv/mirror" {
		t.Errorf("Expected a FileMirror at /srv/mirror, got %#v", m)
	}

	for _, remote := range []string{"gopher://host/x", "s3:///no-bucket", "sftp:///no-host"} {
		if _, err := NewMirror(ctx, remote); err == nil {
			t.Errorf("Expected %q to be rejected", remote)
		}
	}
}
