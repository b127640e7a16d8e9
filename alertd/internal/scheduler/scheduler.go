// Package scheduler drives the alert engine on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autointelli/alertd/alertd/internal/engine"
	"github.com/autointelli/alertd/alertd/internal/health"
	"github.com/autointelli/alertd/pkg/types"
	"github.com/google/uuid"
)

// Runner executes one alert cycle.
type Runner interface {
	RunCycle(ctx context.Context, filter types.RuleFilter) (engine.CycleReport, error)
}

// Leaser grants a named, expiring lease to one owner at a time.
type Leaser interface {
	Lease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// ProcessReporter supplies the process stats logged after each cycle.
type ProcessReporter interface {
	Process() health.ProcessStats
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between cycle starts.
	Interval time.Duration

	// Filter narrows the rules evaluated each cycle.
	Filter types.RuleFilter

	// LeaseName is the lease guarding a cycle when a Leaser is set.
	LeaseName string

	// LeaseTTL bounds how long a crashed holder blocks other instances.
	LeaseTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  60 * time.Second,
		LeaseName: "alert-cycle",
		LeaseTTL:  5 * time.Minute,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeaser guards each cycle with a lease held under owner.
func WithLeaser(l Leaser, owner string) Option {
	return func(s *Scheduler) {
		s.leaser = l
		if owner != "" {
			s.owner = owner
		}
	}
}

// WithProcessReporter attaches process stats to the cycle log line.
func WithProcessReporter(r ProcessReporter) Option {
	return func(s *Scheduler) { s.health = r }
}

// Stats holds scheduler counters.
type Stats struct {
	Cycles       int64              `json:"cycles"`
	Overlapped   int64              `json:"overlapped"`
	LeaseSkipped int64              `json:"lease_skipped"`
	Errors       int64              `json:"errors"`
	Panics       int64              `json:"panics"`
	LastRun      time.Time          `json:"last_run"`
	LastReport   engine.CycleReport `json:"last_report"`
	Interval     time.Duration      `json:"interval"`
}

// Scheduler runs cycles on a ticker. A tick that arrives while a cycle is
// still running is skipped.
type Scheduler struct {
	runner Runner
	config Config
	logger *slog.Logger
	leaser Leaser
	health ProcessReporter
	owner  string

	running  atomic.Bool
	interval chan time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a scheduler.
func New(runner Runner, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = def.LeaseName
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	s := &Scheduler{
		runner:   runner,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		owner:    uuid.NewString(),
		interval: make(chan time.Duration, 1),
		stopCh:   make(chan struct{}),
	}
	s.stats.Interval = cfg.Interval
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduler loop in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to stop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SetInterval changes the tick interval of a running scheduler.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	// Only the latest pending value matters.
	select {
	case <-s.interval:
	default:
	}
	s.interval <- d
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RunOnce runs a single cycle synchronously and returns its report.
func (s *Scheduler) RunOnce(ctx context.Context) (engine.CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return engine.CycleReport{}, fmt.Errorf("cycle already running")
	}
	defer s.running.Store(false)
	return s.cycle(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	interval := s.config.Interval
	s.logger.Info("scheduler started",
		"interval", interval,
		"lease", s.leaser != nil,
	)

	// Run immediately on start
	s.trigger(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopping (stop signal)")
			return
		case d := <-s.interval:
			if d != interval {
				interval = d
				ticker.Reset(d)
				s.mu.Lock()
				s.stats.Interval = d
				s.mu.Unlock()
				s.logger.Info("scheduler interval changed", "interval", d)
			}
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger starts a cycle in the background unless one is already running.
func (s *Scheduler) trigger(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.Overlapped++
		s.mu.Unlock()
		s.logger.Warn("previous cycle still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.cycle(ctx); err != nil {
			s.logger.Error("alert cycle failed", "error", err)
		}
	}()
}

// cycle runs the engine once under the optional lease.
func (s *Scheduler) cycle(ctx context.Context) (report engine.CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.Panics++
			s.mu.Unlock()
			err = fmt.Errorf("cycle panic: %v\n%s", r, debug.Stack())
		}
	}()

	if s.leaser != nil {
		ok, err := s.leaser.Lease(ctx, s.config.LeaseName, s.owner, s.config.LeaseTTL)
		if err != nil {
			s.countError()
			return report, fmt.Errorf("acquiring lease: %w", err)
		}
		if !ok {
			s.mu.Lock()
			s.stats.LeaseSkipped++
			s.mu.Unlock()
			s.logger.Debug("lease held by another instance, skipping cycle", "lease", s.config.LeaseName)
			return report, nil
		}
		defer func() {
			// The cycle context may already be cancelled at shutdown.
			if err := s.leaser.ReleaseLease(context.WithoutCancel(ctx), s.config.LeaseName, s.owner); err != nil {
				s.logger.Warn("releasing lease failed", "error", err)
			}
		}()
	}

	started := time.Now()
	report, err = s.runner.RunCycle(ctx, s.config.Filter)
	if err != nil {
		s.countError()
		return report, err
	}

	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastRun = started
	s.stats.LastReport = report
	s.mu.Unlock()

	attrs := []any{
		"cycle_id", report.CycleID,
		"rules", report.Rules,
		"failed", report.Failed,
		"triggers", report.Triggers,
		"recoveries", report.Recoveries,
		"duration", report.Duration,
	}
	if s.health != nil {
		attrs = append(attrs, s.health.Process().LogAttrs()...)
	}
	s.logger.Info("cycle complete", attrs...)
	return report, nil
}

func (s *Scheduler) countError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}
