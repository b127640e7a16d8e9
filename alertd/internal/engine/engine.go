// Package engine runs one alert cycle: it loads the enabled rules, routes
// each to its handler inside a per-rule state transaction and reports what
// happened.
//
// Rules are isolated from each other. A failing or panicking handler rolls
// back only its own rule's state, and the cycle moves on.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autointelli/alertd/alertd/internal/handlers"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
	"github.com/google/uuid"
)

// RuleCatalog supplies the enabled rules of a cycle in a stable order.
type RuleCatalog interface {
	ListEnabledRules(ctx context.Context, filter types.RuleFilter) ([]*types.Rule, error)
}

// HandlerLookup resolves the handler of a monitoring type.
type HandlerLookup interface {
	Lookup(t types.MonitoringType) (handlers.Handler, bool)
}

// Config holds engine configuration.
type Config struct {
	// Concurrency is the number of rules evaluated in parallel. 1 is sequential.
	Concurrency int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 1}
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID    uuid.UUID     `json:"cycle_id"`
	Rules      int           `json:"rules"`
	Skipped    int           `json:"skipped"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Triggers   int           `json:"triggers"`
	Recoveries int           `json:"recoveries"`
	Duration   time.Duration `json:"duration"`
}

// Engine evaluates rules against their handlers.
type Engine struct {
	catalog  RuleCatalog
	handlers HandlerLookup
	store    state.Store
	locks    *state.KeyedMutex
	config   Config
	logger   *slog.Logger
}

// New creates an engine.
func New(catalog RuleCatalog, hs HandlerLookup, store state.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Engine{
		catalog:  catalog,
		handlers: hs,
		store:    store,
		locks:    state.NewKeyedMutex(),
		config:   cfg,
		logger:   logger.With("component", "engine"),
	}
}

// ruleOutcome is the result of one rule.
type ruleOutcome int

const (
	outcomeSkipped ruleOutcome = iota
	outcomeSucceeded
	outcomeFailed
)

// RunCycle evaluates every enabled rule matching filter. Only a catalog error
// is returned; per-rule failures are logged and counted.
func (e *Engine) RunCycle(ctx context.Context, filter types.RuleFilter) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{CycleID: uuid.New()}
	logger := e.logger.With("cycle_id", report.CycleID)

	rules, err := e.catalog.ListEnabledRules(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("loading rules: %w", err)
	}
	report.Rules = len(rules)

	var (
		skipped, succeeded, failed atomic.Int64
		triggers, recoveries       atomic.Int64
	)
	record := func(o ruleOutcome, trig, rec int) {
		switch o {
		case outcomeSkipped:
			skipped.Add(1)
		case outcomeSucceeded:
			succeeded.Add(1)
			triggers.Add(int64(trig))
			recoveries.Add(int64(rec))
		case outcomeFailed:
			failed.Add(1)
		}
	}

	if e.config.Concurrency == 1 {
		for _, rule := range rules {
			if ctx.Err() != nil {
				break
			}
			record(e.runRule(ctx, logger, rule))
		}
	} else {
		sem := make(chan struct{}, e.config.Concurrency)
		var wg sync.WaitGroup
		for _, rule := range rules {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(rule *types.Rule) {
				defer wg.Done()
				defer func() { <-sem }()
				record(e.runRule(ctx, logger, rule))
			}(rule)
		}
		wg.Wait()
	}

	report.Skipped = int(skipped.Load())
	report.Succeeded = int(succeeded.Load())
	report.Failed = int(failed.Load())
	report.Triggers = int(triggers.Load())
	report.Recoveries = int(recoveries.Load())
	report.Duration = time.Since(start)

	logger.Info("alert cycle finished",
		"rules", report.Rules,
		"skipped", report.Skipped,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"triggers", report.Triggers,
		"recoveries", report.Recoveries,
		"duration", report.Duration,
	)
	return report, nil
}

// runRule executes one rule in its own Tx and returns the outcome with the
// committed trigger and recovery counts.
func (e *Engine) runRule(ctx context.Context, logger *slog.Logger, rule *types.Rule) (ruleOutcome, int, int) {
	h, ok := e.handlers.Lookup(rule.MonitoringType)
	if !ok {
		logger.Debug("no handler for monitoring type",
			"rule_id", rule.ID,
			"monitoring_type", rule.MonitoringType,
		)
		return outcomeSkipped, 0, 0
	}

	unlock := e.locks.Lock(rule.StateKey())
	defer unlock()

	tx := state.Begin(e.store, rule)
	if err := execute(ctx, h, rule, tx); err != nil {
		tx.Rollback()
		logger.Error("rule evaluation failed",
			"rule_id", rule.ID,
			"rule_name", rule.Name,
			"monitoring_type", rule.MonitoringType,
			"error", err,
		)
		return outcomeFailed, 0, 0
	}

	trig, rec := tx.Transitions()
	if err := tx.Commit(ctx); err != nil {
		logger.Error("committing rule state failed",
			"rule_id", rule.ID,
			"rule_name", rule.Name,
			"error", err,
		)
		return outcomeFailed, 0, 0
	}
	return outcomeSucceeded, trig, rec
}

// execute runs the handler and converts a panic into an error.
func execute(ctx context.Context, h handlers.Handler, rule *types.Rule, tx *state.Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Execute(ctx, rule, tx)
}
