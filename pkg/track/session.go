package track

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// File names inside a trial directory.
const (
	TrialsDir   = "trials"
	ParamsFile  = "params.json"
	ResultsFile = "results.jsonl"
	DebugFile   = "debug.log"
)

// MirrorFactory opens the mirror rooted at a remote location.
type MirrorFactory func(ctx context.Context, remote string) (Mirror, error)

// Store opens tracking sessions and loads projects.
type Store struct {
	logger  zerolog.Logger
	mirrors MirrorFactory
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With().Str("component", "track").Logger()
	}
}

// WithMirrorFactory replaces NewMirror as the way remotes are opened.
func WithMirrorFactory(f MirrorFactory) Option {
	return func(s *Store) { s.mirrors = f }
}

// NewStore creates a tracking store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:  log.Logger.With().Str("component", "track").Logger(),
		mirrors: NewMirror,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionConfig describes the trial a session records.
type SessionConfig struct {
	// LocalDir is the experiment directory; the trial is written under
	// LocalDir/trials/<TrialID>.
	LocalDir string

	// RemoteDir mirrors LocalDir when set.
	RemoteDir string

	// TrialID identifies the trial. A random ID is generated when empty.
	TrialID string

	// Params is recorded as params.json.
	Params map[string]any

	// Seed seeds the session's random source.
	Seed int64
}

// Session records the parameters, results and debug output of one trial.
type Session struct {
	id        string
	dir       string
	remoteDir string
	params    map[string]any
	rand      *rand.Rand
	mirror    Mirror
	logger    zerolog.Logger

	mu      sync.Mutex
	results *os.File
	debug   *os.File
	debugLg zerolog.Logger
	rows    int
	closed  bool
	closeMu sync.Once
	err     error
}

// OpenSession creates the trial directory and writes params.json.
func (s *Store) OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	id := cfg.TrialID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	dir := filepath.Join(cfg.LocalDir, TrialsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trial directory: %w", err)
	}

	params := make(map[string]any, len(cfg.Params)+1)
	for k, v := range cfg.Params {
		params[k] = v
	}
	params["trial_id"] = id

	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ParamsFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write params: %w", err)
	}

	results, err := os.OpenFile(filepath.Join(dir, ResultsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results: %w", err)
	}
	debug, err := os.OpenFile(filepath.Join(dir, DebugFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		results.Close()
		return nil, fmt.Errorf("failed to open debug log: %w", err)
	}

	sess := &Session{
		id:      id,
		dir:     dir,
		params:  params,
		rand:    rand.New(rand.NewSource(cfg.Seed)),
		logger:  s.logger.With().Str("trial_id", id).Logger(),
		results: results,
		debug:   debug,
		debugLg: zerolog.New(debug).With().Timestamp().Str("trial_id", id).Logger(),
	}

	if cfg.RemoteDir != "" {
		mirror, err := s.mirrors(ctx, cfg.RemoteDir)
		if err != nil {
			results.Close()
			debug.Close()
			return nil, fmt.Errorf("failed to open mirror %s: %w", cfg.RemoteDir, err)
		}
		sess.mirror = mirror
		sess.remoteDir = path.Join(TrialsDir, id)
	}

	sess.logger.Debug().Str("dir", dir).Msg("Tracking session opened")
	return sess, nil
}

// ID returns the trial ID.
func (s *Session) ID() string { return s.id }

// Dir returns the trial directory.
func (s *Session) Dir() string { return s.dir }

// Params returns a copy of the recorded parameters.
func (s *Session) Params() map[string]any {
	out := make(map[string]any, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

// Rand returns the trial's seeded random source. It is not safe for
// concurrent use.
func (s *Session) Rand() *rand.Rand { return s.rand }

// Log appends a result row.
func (s *Session) Log(row map[string]any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode result row: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	if _, err := s.results.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write result row: %w", err)
	}
	s.rows++
	return nil
}

// Debug writes a message to the trial's debug.log.
func (s *Session) Debug(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.debugLg.Debug().Msg(msg)
}

// Rows returns the number of result rows logged so far.
func (s *Session) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Close flushes the trial files and pushes the trial directory to the
// mirror. Only the first call has an effect; later calls return its result.
func (s *Session) Close(ctx context.Context) error {
	s.closeMu.Do(func() {
		start := time.Now()

		s.mu.Lock()
		s.closed = true
		errResults := s.results.Close()
		errDebug := s.debug.Close()
		s.mu.Unlock()

		if errResults != nil {
			s.err = fmt.Errorf("failed to close results: %w", errResults)
			return
		}
		if errDebug != nil {
			s.err = fmt.Errorf("failed to close debug log: %w", errDebug)
			return
		}

		if s.mirror != nil {
			if err := s.mirror.Push(ctx, s.dir, s.remoteDir); err != nil {
				s.err = fmt.Errorf("failed to mirror trial %s: %w", s.id, err)
			}
			if err := s.mirror.Close(); err != nil && s.err == nil {
				s.err = fmt.Errorf("failed to close mirror: %w", err)
			}
		}

		s.logger.Debug().
			Int("rows", s.rows).
			Dur("duration", time.Since(start)).
			Msg("Tracking session closed")
	})
	return s.err
}
