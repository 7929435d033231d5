// Simulation ties together the world and its rules and runs them each tick.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/economy"
)

// MaxEvents bounds the in-memory event history and the unsaved backlog.
const MaxEvents = 1000

// Options tunes how often rules fire and how production is parallelized.
type Options struct {
	Workers         int    // Production partitions
	ProductionEvery uint64 // Production runs every N ticks
	ReportEvery     uint64 // Report logged every N ticks
}

// DefaultOptions returns one production partition, production every tick and
// a report every 30 ticks.
func DefaultOptions() Options {
	return Options{Workers: 1, ProductionEvery: 1, ReportEvery: 30}
}

// Simulation holds the complete world state and wires systems together.
// The embedded RWMutex is the engine guard: ticks take the write lock and
// observers take the read lock.
type Simulation struct {
	sync.RWMutex

	World    *ecs.World
	Events   []Event // Recent events, trimmed to the last 1000
	LastTick uint64  // Most recent tick processed
	Stats    SimStats

	opts    Options
	stalled map[ecs.EntityID]bool
	pending []Event // Not yet persisted
}

// Event is a notable occurrence in the world.
type Event struct {
	Tick        uint64 `json:"tick" db:"tick"`
	Date        string `json:"date" db:"date"`
	Description string `json:"description" db:"description"`
	Category    string `json:"category" db:"category"` // "birthday", "stall", "recovery"
}

// SimStats tracks aggregate statistics from the latest production batch.
type SimStats struct {
	Sites      int               `json:"sites"`
	Producing  int               `json:"producing"`
	Stalled    int               `json:"stalled"`
	Workers    int               `json:"workers"`
	Characters int               `json:"characters"`
	Consumed   economy.GoodsList `json:"consumed"`
	Produced   economy.GoodsList `json:"produced"`
}

// NewSimulation wraps a world. Zero option fields fall back to DefaultOptions.
func NewSimulation(w *ecs.World, opts Options) *Simulation {
	def := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = def.Workers
	}
	if opts.ProductionEvery < 1 {
		opts.ProductionEvery = def.ProductionEvery
	}
	if opts.ReportEvery < 1 {
		opts.ReportEvery = def.ReportEvery
	}

	sim := &Simulation{
		World:   w,
		opts:    opts,
		stalled: make(map[ecs.EntityID]bool),
	}
	sim.countPopulation()
	return sim
}

// CurrentTick returns the most recently processed tick number.
func (s *Simulation) CurrentTick() uint64 {
	return s.LastTick
}

// Date returns the world date.
func (s *Simulation) Date() calendar.GameDate {
	return s.World.Date()
}

// Attach registers the simulation's systems with e and makes the simulation
// the engine guard. The calendar runs alone in the first phase, so aging in
// the same tick already sees the new date.
func (s *Simulation) Attach(e *Engine) {
	e.Guard = s
	e.Register(System{Name: "calendar", Phase: PhaseCalendar, Run: s.tickCalendar})
	e.Register(System{Name: "aging", Phase: PhaseRules, Run: s.tickAging})
	e.Register(System{Name: "production", Phase: PhaseRules, Every: s.opts.ProductionEvery, Run: s.tickProduction})
	e.Register(System{Name: "report", Phase: PhaseReport, Every: s.opts.ReportEvery, Run: s.tickReport})
}

func (s *Simulation) tickCalendar(_ context.Context, tick uint64) error {
	s.LastTick = tick
	AdvanceCalendar(s.World)
	s.World.Flush()
	return nil
}

func (s *Simulation) tickAging(_ context.Context, tick uint64) error {
	today := s.World.Date()
	for _, c := range UpdateAges(s.World) {
		if c.To <= c.From {
			continue
		}
		s.EmitEvent(Event{
			Tick:        tick,
			Date:        today.String(),
			Description: fmt.Sprintf("%s turns %d", c.Entity.Name, c.To),
			Category:    "birthday",
		})
	}
	return nil
}

func (s *Simulation) tickProduction(ctx context.Context, tick uint64) error {
	outcomes, err := RunProduction(ctx, s.World, s.opts.Workers)
	if err != nil {
		return err
	}

	today := s.World.Date().String()
	stats := SimStats{Workers: s.Stats.Workers, Characters: s.Stats.Characters}
	for _, o := range outcomes {
		stats.Sites++
		if o.Stalled() {
			stats.Stalled++
		} else {
			stats.Producing++
			stats.Consumed = stats.Consumed.Add(o.Consumed)
			stats.Produced = stats.Produced.Add(o.Produced)
		}

		was := s.stalled[o.Site]
		switch {
		case o.Stalled() && !was:
			s.stalled[o.Site] = true
			s.EmitEvent(Event{Tick: tick, Date: today, Description: fmt.Sprintf("%s stalls for lack of inputs", s.siteName(o.Site)), Category: "stall"})
		case !o.Stalled() && was:
			delete(s.stalled, o.Site)
			s.EmitEvent(Event{Tick: tick, Date: today, Description: fmt.Sprintf("%s resumes production", s.siteName(o.Site)), Category: "recovery"})
		}
	}
	s.Stats = stats
	return nil
}

func (s *Simulation) tickReport(_ context.Context, tick uint64) error {
	s.countPopulation()

	counts := make(map[string]int)
	for _, e := range s.Events {
		counts[e.Category]++
	}

	slog.Info("production report",
		"tick", tick,
		"time", SimTime(s.World.Date(), tick),
		"sites", s.Stats.Sites,
		"producing", s.Stats.Producing,
		"stalled", s.Stats.Stalled,
		"workers", s.Stats.Workers,
		"characters", s.Stats.Characters,
		"produced", s.Stats.Produced.String(),
		"events_birthday", counts["birthday"],
		"events_stall", counts["stall"],
	)
	return nil
}

// EmitEvent records an event. Both the history and the unsaved backlog keep
// the most recent 1000.
func (s *Simulation) EmitEvent(e Event) {
	s.Events = append(s.Events, e)
	s.pending = append(s.pending, e)
	if len(s.Events) > MaxEvents {
		s.Events = s.Events[len(s.Events)-MaxEvents:]
	}
	if len(s.pending) > MaxEvents {
		s.pending = s.pending[len(s.pending)-MaxEvents:]
	}
	slog.Debug("event", "category", e.Category, "description", e.Description, "tick", e.Tick)
}

// PendingEvents returns a copy of the events not yet persisted.
func (s *Simulation) PendingEvents() []Event {
	return slices.Clone(s.pending)
}

// AckEvents drops the oldest n pending events once they are persisted.
func (s *Simulation) AckEvents(n int) {
	n = min(n, len(s.pending))
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

// StalledSites returns the sites whose last production step stalled, in ID
// order.
func (s *Simulation) StalledSites() []ecs.EntityID {
	ids := make([]ecs.EntityID, 0, len(s.stalled))
	for id := range s.stalled {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MarkStalled restores stall state for a resumed world, so sites that were
// already stalled do not report the stall again.
func (s *Simulation) MarkStalled(ids ...ecs.EntityID) {
	for _, id := range ids {
		if e, ok := s.World.Get(id); ok && ecs.ProductionSites.Match(e) {
			s.stalled[id] = true
		}
	}
}

func (s *Simulation) siteName(id ecs.EntityID) string {
	if e, ok := s.World.Get(id); ok {
		return e.Name
	}
	return fmt.Sprintf("site %d", id)
}

func (s *Simulation) countPopulation() {
	workers, characters := 0, 0
	for e := range s.World.Query(ecs.Filter{}) {
		if e.WorkForce != nil {
			workers++
		}
		if e.Birthday != nil {
			characters++
		}
	}
	s.Stats.Workers = workers
	s.Stats.Characters = characters
}

// SiteSummary is a read-only view of a production site.
type SiteSummary struct {
	ID                ecs.EntityID      `json:"id"`
	Name              string            `json:"name"`
	Level             int               `json:"level"`
	ExpectedWorkForce float64           `json:"expected_workforce"`
	EmployedWorkForce float64           `json:"employed_workforce"`
	EmploymentRatio   float64           `json:"employment_ratio"`
	Stalled           bool              `json:"stalled"`
	Inventory         economy.GoodsList `json:"inventory"`
	Input             economy.GoodsList `json:"input"`
	Output            economy.GoodsList `json:"output"`
}

// SiteSummaries returns every production site. Callers hold the read lock.
func (s *Simulation) SiteSummaries() []SiteSummary {
	var out []SiteSummary
	for e := range s.World.Query(ecs.ProductionSites) {
		out = append(out, s.summarizeSite(e))
	}
	return out
}

// Site returns one production site summary. Callers hold the read lock.
func (s *Simulation) Site(id ecs.EntityID) (SiteSummary, bool) {
	e, ok := s.World.Get(id)
	if !ok || !ecs.ProductionSites.Match(e) {
		return SiteSummary{}, false
	}
	return s.summarizeSite(e), true
}

func (s *Simulation) summarizeSite(e *ecs.Entity) SiteSummary {
	employed := EmployedWorkForce(s.World, e.ID)
	level := e.LevelOrDefault()
	return SiteSummary{
		ID:                e.ID,
		Name:              e.Name,
		Level:             level,
		ExpectedWorkForce: float64(*e.ExpectedWorkForce),
		EmployedWorkForce: float64(employed),
		EmploymentRatio:   EmploymentRatio(employed, *e.ExpectedWorkForce, level),
		Stalled:           s.stalled[e.ID],
		Inventory:         e.Inventory.Clone(),
		Input:             e.Input.Clone(),
		Output:            e.Output.Clone(),
	}
}

// CharacterSummary is a read-only view of an aging entity.
type CharacterSummary struct {
	ID       ecs.EntityID      `json:"id"`
	Name     string            `json:"name"`
	Age      int               `json:"age"`
	Birthday calendar.GameDate `json:"birthday"`
}

// CharacterSummaries returns every entity with an age. Callers hold the read lock.
func (s *Simulation) CharacterSummaries() []CharacterSummary {
	var out []CharacterSummary
	for e := range s.World.Query(ecs.Aging) {
		out = append(out, CharacterSummary{ID: e.ID, Name: e.Name, Age: *e.Age, Birthday: *e.Birthday})
	}
	return out
}
