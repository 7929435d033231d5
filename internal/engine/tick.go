// Package engine provides the tick-based simulation loop and the per-tick
// rules: calendar advancement, aging and production.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/talgya/stella-invicta/internal/calendar"
)

// ErrRulePanic wraps a panic recovered while a system was running.
var ErrRulePanic = errors.New("rule panicked")

// Phase orders systems within a tick. Lower phases run first.
type Phase uint8

const (
	PhaseCalendar Phase = iota // Single writer of the world date; runs before anything reads it
	PhaseRules                 // Date-dependent rules: aging, production
	PhaseReport                // Statistics and logging
)

// System is a rule registered to run once every Every ticks.
type System struct {
	Name  string
	Phase Phase
	Every uint64 // 0 or 1 = every tick
	Run   func(ctx context.Context, tick uint64) error
}

func (s System) due(tick uint64) bool {
	return s.Every <= 1 || tick%s.Every == 0
}

// Engine drives the simulation forward.
type Engine struct {
	Tick     uint64        // Current tick counter (monotonic, never resets)
	Interval time.Duration // Base tick interval (default 1 second)

	// Guard is held for the duration of each step, so readers holding it see
	// whole ticks only.
	Guard sync.Locker

	// Errors receives step failures from Run. Sends never block; errors are
	// dropped with a warning when nobody drains the channel.
	Errors chan error

	mu      sync.Mutex
	speed   float64 // Multiplier: 1.0 = real-time, 0 = paused
	running bool
	stop    chan struct{}
	systems []System
}

// NewEngine creates a simulation engine with default settings.
func NewEngine() *Engine {
	return &Engine{
		Interval: time.Second,
		Errors:   make(chan error, 16),
		speed:    1.0,
	}
}

// Register adds a system. Systems run in phase order, then registration order.
func (e *Engine) Register(s System) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.systems = append(e.systems, s)
	slices.SortStableFunc(e.systems, func(a, b System) int { return int(a.Phase) - int(b.Phase) })
}

// Systems returns the registered systems in execution order.
func (e *Engine) Systems() []System {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.systems)
}

// Speed returns the current speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the speed multiplier. Zero pauses the loop.
func (e *Engine) SetSpeed(speed float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if speed < 0 {
		speed = 0
	}
	e.speed = speed
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run starts the simulation loop. Blocks until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Info("simulation engine started", "tick", e.Tick, "speed", e.Speed())

	for {
		select {
		case <-ctx.Done():
			slog.Info("simulation engine stopped", "tick", e.Tick, "reason", ctx.Err())
			return
		case <-stop:
			slog.Info("simulation engine stopped", "tick", e.Tick)
			return
		default:
		}

		speed := e.Speed()
		if speed <= 0 {
			// Paused; sleep briefly and check again.
			sleepCtx(ctx, stop, 100*time.Millisecond)
			continue
		}

		start := time.Now()

		if err := e.Step(ctx); err != nil {
			slog.Error("tick failed", "tick", e.Tick, "error", err)
			e.report(err)
		}

		// Sleep for the remainder of the tick interval, adjusted for speed.
		elapsed := time.Since(start)
		target := time.Duration(float64(e.Interval) / speed)
		if elapsed < target {
			sleepCtx(ctx, stop, target-elapsed)
		}
	}
}

// Stop halts the simulation loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

// Step advances the simulation by one tick. The first failing system aborts
// the rest of the tick; its error is returned.
func (e *Engine) Step(ctx context.Context) error {
	if e.Guard != nil {
		e.Guard.Lock()
		defer e.Guard.Unlock()
	}

	e.Tick++
	tick := e.Tick

	for _, s := range e.Systems() {
		if !s.due(tick) {
			continue
		}
		if err := runSystem(ctx, s, tick); err != nil {
			return fmt.Errorf("tick %d: %s: %w", tick, s.Name, err)
		}
	}
	return nil
}

// StepN runs n ticks, stopping at the first error.
func (e *Engine) StepN(ctx context.Context, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runSystem(ctx context.Context, s System, tick uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRulePanic, r)
		}
	}()
	return s.Run(ctx, tick)
}

func (e *Engine) report(err error) {
	select {
	case e.Errors <- err:
	default:
		slog.Warn("error channel full, dropping tick error", "error", err)
	}
}

func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-t.C:
	}
}

// SimTime returns a human-readable simulation time string for log lines.
func SimTime(date calendar.GameDate, tick uint64) string {
	return fmt.Sprintf("%s, %s (tick %d)", date.Long(), date.Season(), tick)
}
