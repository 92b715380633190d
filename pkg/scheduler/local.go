package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrialHook observes trials as they start and finish.
type TrialHook func(experiment string, result TrialResult)

// LocalScheduler runs trials in-process with a worker pool sized by the
// cluster capacity and the per-trial demand.
type LocalScheduler struct {
	mu         sync.RWMutex
	cluster    *Cluster
	trainables map[string]Trainable

	// maxParallel caps the worker count; 0 means capacity only
	maxParallel int

	onStart  TrialHook
	onFinish TrialHook
	logger   zerolog.Logger
}

// Option configures a LocalScheduler.
type Option func(*LocalScheduler)

// WithMaxParallel caps the number of concurrent trials.
func WithMaxParallel(n int) Option {
	return func(s *LocalScheduler) { s.maxParallel = n }
}

// WithTrialHooks installs hooks called when a trial starts and finishes.
func WithTrialHooks(onStart, onFinish TrialHook) Option {
	return func(s *LocalScheduler) {
		s.onStart = onStart
		s.onFinish = onFinish
	}
}

// WithLogger sets the logger; a "scheduler" component logger is derived from it.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *LocalScheduler) {
		s.logger = logger.With().Str("component", "scheduler").Logger()
	}
}

// NewLocalScheduler creates a local scheduler.
func NewLocalScheduler(opts ...Option) *LocalScheduler {
	s := &LocalScheduler{
		trainables: make(map[string]Trainable),
		logger:     log.Logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init attaches to local capacity. Remote clusters are not supported.
func (s *LocalScheduler) Init(_ context.Context, cluster Cluster) error {
	if cluster.Address != "" {
		return fmt.Errorf("%w: cannot attach to %s from the local scheduler", ErrClusterUnavailable, cluster.Address)
	}
	if cluster.CPUs < 0 || cluster.GPUs < 0 {
		return fmt.Errorf("invalid cluster capacity: %d CPUs, %d GPUs", cluster.CPUs, cluster.GPUs)
	}
	if cluster.CPUs == 0 && cluster.GPUs == 0 {
		return fmt.Errorf("%w: cluster has no capacity", ErrClusterUnavailable)
	}

	s.mu.Lock()
	s.cluster = &cluster
	s.mu.Unlock()

	s.logger.Info().
		Int("cpus", cluster.CPUs).
		Int("gpus", cluster.GPUs).
		Msg("Local cluster initialized")
	return nil
}

// RegisterTrainable registers t under name, replacing any previous one.
func (s *LocalScheduler) RegisterTrainable(name string, t Trainable) error {
	if name == "" {
		return fmt.Errorf("trainable name is required")
	}
	if t == nil {
		return fmt.Errorf("trainable %s is nil", name)
	}
	s.mu.Lock()
	s.trainables[name] = t
	s.mu.Unlock()
	return nil
}

// slots is the number of trials that fit on the cluster at once.
func slots(c Cluster, r Resources) (int, error) {
	if r.CPU < 0 || r.GPU < 0 {
		return 0, fmt.Errorf("invalid trial resources %+v", r)
	}
	if r.GPU > c.GPUs || r.CPU > c.CPUs {
		return 0, fmt.Errorf("trial demand %d CPU / %d GPU exceeds cluster capacity %d CPU / %d GPU",
			r.CPU, r.GPU, c.CPUs, c.GPUs)
	}

	n := 0
	if r.GPU > 0 {
		n = c.GPUs / r.GPU
	}
	if r.CPU > 0 {
		if byCPU := c.CPUs / r.CPU; n == 0 || byCPU < n {
			n = byCPU
		}
	}
	if n == 0 {
		// No declared demand: one trial per device.
		n = c.CPUs + c.GPUs
	}
	return n, nil
}

// Submit expands the grid and starts the trials.
func (s *LocalScheduler) Submit(ctx context.Context, spec ExperimentSpec) (Submission, error) {
	s.mu.RLock()
	cluster := s.cluster
	trainable, ok := s.trainables[spec.Trainable]
	s.mu.RUnlock()

	if cluster == nil {
		return nil, ErrNotInitialized
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrainable, spec.Trainable)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("experiment name is required")
	}

	workers, err := slots(*cluster, spec.Resources)
	if err != nil {
		return nil, err
	}
	if s.maxParallel > 0 && s.maxParallel < workers {
		workers = s.maxParallel
	}

	variants := Expand(spec.Grid, spec.NumSamples, rand.New(rand.NewSource(spec.Seed)))
	if len(variants) < workers {
		workers = len(variants)
	}

	sub := &localSubmission{
		experiment: spec.Name,
		done:       make(chan struct{}),
		trials:     make([]*TrialResult, len(variants)),
	}
	for i, v := range variants {
		sub.trials[i] = &TrialResult{
			ID:     uuid.New().String()[:8],
			Index:  v.Index,
			Tag:    v.Tag,
			Config: v.Config,
			Status: TrialPending,
		}
	}

	s.logger.Info().
		Str("experiment", spec.Name).
		Int("trials", len(variants)).
		Int("workers", workers).
		Msg("Experiment submitted")

	devices := newDevicePool(cluster.GPUs)
	go s.run(ctx, spec, trainable, sub, workers, devices)
	return sub, nil
}

// run executes the trials with a worker pool and closes sub.done.
func (s *LocalScheduler) run(ctx context.Context, spec ExperimentSpec, trainable Trainable, sub *localSubmission, workers int, devices *devicePool) {
	defer close(sub.done)

	workQueue := make(chan int, len(sub.trials))
	for i := range sub.trials {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				select {
				case <-ctx.Done():
					sub.finish(i, TrialCancelled, ctx.Err(), Status{}, false)
					continue
				default:
				}
				s.runTrial(ctx, spec, trainable, sub, i, devices)
			}
		}()
	}
	wg.Wait()

	sub.mu.Lock()
	var failed []*TrialError
	for _, t := range sub.trials {
		if t.Status == TrialFailed {
			var te *TrialError
			if !errors.As(t.Err, &te) {
				te = &TrialError{TrialID: t.ID, Tag: t.Tag, Err: t.Err}
			}
			failed = append(failed, te)
		}
	}
	if len(failed) > 0 {
		sub.err = &ExperimentError{Experiment: spec.Name, Total: len(sub.trials), Failed: failed}
	} else if err := ctx.Err(); err != nil {
		sub.err = err
	}
	sub.mu.Unlock()

	s.logger.Info().
		Str("experiment", spec.Name).
		Int("failed", len(failed)).
		Msg("Experiment finished")
}

func (s *LocalScheduler) runTrial(ctx context.Context, spec ExperimentSpec, trainable Trainable, sub *localSubmission, i int, devices *devicePool) {
	sub.mu.Lock()
	tr := sub.trials[i]
	variant := Variant{Index: tr.Index, Tag: tr.Tag}
	cfg := make(map[string]any, len(tr.Config))
	for k, v := range tr.Config {
		cfg[k] = v
	}
	sub.mu.Unlock()

	dir := filepath.Join(spec.ScratchRoot, spec.Name, trialDirName(spec.Trainable, variant, tr.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		sub.finish(i, TrialFailed, &TrialError{TrialID: tr.ID, Tag: tr.Tag, Err: fmt.Errorf("failed to create trial directory: %w", err)}, Status{}, false)
		s.notify(s.onFinish, spec.Name, sub.snapshot(i))
		return
	}

	assigned := devices.acquire(spec.Resources.GPU)
	defer devices.release(assigned)

	trialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporter := &trialReporter{stop: spec.Stop, cancel: cancel}
	tc := TrialContext{
		Experiment: spec.Name,
		ID:         tr.ID,
		Index:      tr.Index,
		Tag:        tr.Tag,
		Dir:        dir,
		Devices:    assigned,
		Seed:       spec.Seed + int64(tr.Index),
	}

	sub.start(i, dir, assigned)
	s.notify(s.onStart, spec.Name, sub.snapshot(i))
	s.logger.Debug().
		Str("trial_id", tr.ID).
		Str("tag", tr.Tag).
		Ints("devices", assigned).
		Msg("Trial started")

	err := s.invoke(trialCtx, trainable, tc, cfg, reporter)
	last, reached := reporter.state()

	status := TrialSucceeded
	switch {
	case err == nil:
	case reached && errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Stopped by its own stop condition.
		err = nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		status = TrialCancelled
	default:
		status = TrialFailed
		var te *TrialError
		if !errors.As(err, &te) {
			err = &TrialError{TrialID: tr.ID, Tag: tr.Tag, Err: err}
		}
	}
	sub.finish(i, status, err, last, reached)

	result := sub.snapshot(i)
	s.notify(s.onFinish, spec.Name, result)
	if status == TrialFailed {
		s.logger.Warn().Err(err).Str("trial_id", tr.ID).Msg("Trial failed")
	} else {
		s.logger.Debug().
			Str("trial_id", tr.ID).
			Str("status", string(status)).
			Dur("duration", result.Duration).
			Msg("Trial finished")
	}
}

// invoke runs the trainable, converting a panic into a TrialError.
func (s *LocalScheduler) invoke(ctx context.Context, t Trainable, tc TrialContext, cfg map[string]any, r StatusReporter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().
				Str("trial_id", tc.ID).
				Str("stack", string(debug.Stack())).
				Msg("Trial panicked")
			err = &TrialError{TrialID: tc.ID, Tag: tc.Tag, Panic: true, Err: fmt.Errorf("%v", p)}
		}
	}()
	return t(ctx, tc, cfg, r)
}

func (s *LocalScheduler) notify(h TrialHook, experiment string, r TrialResult) {
	if h != nil {
		h(experiment, r)
	}
}

// trialReporter records the last status and cancels the trial once every
// stop key reached its threshold.
type trialReporter struct {
	mu      sync.Mutex
	stop    map[string]float64
	cancel  context.CancelFunc
	last    Status
	reached bool
}

func (r *trialReporter) Report(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = st
	if r.reached || len(r.stop) == 0 {
		return
	}
	for key, threshold := range r.stop {
		v, ok := st.Value(key)
		if !ok || v < threshold {
			return
		}
	}
	r.reached = true
	r.cancel()
}

func (r *trialReporter) state() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.reached
}

// devicePool hands out GPU indices.
type devicePool struct {
	free chan int
}

func newDevicePool(n int) *devicePool {
	p := &devicePool{free: make(chan int, n)}
	for i := 0; i < n; i++ {
		p.free <- i
	}
	return p
}

// acquire takes n devices. Worker counts never exceed capacity, so it does
// not block for long.
func (p *devicePool) acquire(n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = <-p.free
	}
	return out
}

func (p *devicePool) release(devices []int) {
	for _, d := range devices {
		p.free <- d
	}
}

// localSubmission tracks the trials of one Submit call.
type localSubmission struct {
	experiment string
	done       chan struct{}

	mu     sync.Mutex
	trials []*TrialResult
	err    error
}

func (s *localSubmission) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		// Callers move trial output once Wait returns, so the workers must
		// have stopped writing first.
		<-s.done
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *localSubmission) Trials() []TrialResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrialResult, len(s.trials))
	for i, t := range s.trials {
		out[i] = *t
	}
	return out
}

func (s *localSubmission) start(i int, dir string, devices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trials[i]
	t.Status = TrialRunning
	t.Dir = dir
	t.Devices = devices
	t.StartedAt = time.Now()
}

func (s *localSubmission) finish(i int, status TrialStatus, err error, last Status, reached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trials[i]
	t.Status = status
	t.Err = err
	t.LastReport = last
	t.StopReached = reached
	if !t.StartedAt.IsZero() {
		t.Duration = time.Since(t.StartedAt)
	}
}

func (s *localSubmission) snapshot(i int) TrialResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.trials[i]
}
