package ecs

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/talgya/stella-invicta/internal/calendar"
)

// Link is one directed relation edge, used when persisting a world.
type Link struct {
	From     EntityID `json:"from" db:"from_id"`
	Relation Relation `json:"relation" db:"relation"`
	To       EntityID `json:"to" db:"to_id"`
}

// World stores entities, their relations and the calendar date.
//
// Spawned entities are queued and only become visible after Flush, which also
// sweeps destroyed ones, so a rule iterating a query never sees the entity
// set change underneath it.
type World struct {
	mu sync.RWMutex

	entities map[EntityID]*Entity
	order    []EntityID // Live IDs, ascending
	pending  []*Entity
	doomed   map[EntityID]bool
	links    map[EntityID]map[Relation][]EntityID
	nextID   EntityID
	date     calendar.GameDate
}

// NewWorld creates an empty world whose calendar starts at start. An invalid
// start date is rejected with ErrInvalidModel.
func NewWorld(start calendar.GameDate) (*World, error) {
	if err := start.Valid(); err != nil {
		return nil, fmt.Errorf("%w: world date: %v", ErrInvalidModel, err)
	}
	return &World{
		entities: make(map[EntityID]*Entity),
		doomed:   make(map[EntityID]bool),
		links:    make(map[EntityID]map[Relation][]EntityID),
		nextID:   1,
		date:     start,
	}, nil
}

// MustNewWorld is like NewWorld but panics on an invalid start date.
func MustNewWorld(start calendar.GameDate) *World {
	w, err := NewWorld(start)
	if err != nil {
		panic(err)
	}
	return w
}

// Spawn validates e and queues it for addition at the next Flush.
// The returned ID is usable for Link immediately.
func (w *World) Spawn(e Entity) (EntityID, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	e.ID = w.nextID
	w.nextID++
	w.pending = append(w.pending, &e)
	return e.ID, nil
}

// Destroy marks an entity for removal at the next Flush.
func (w *World) Destroy(id EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doomed[id] = true
}

// Flush applies queued spawns and removals.
func (w *World) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range w.pending {
		w.entities[e.ID] = e
		w.order = append(w.order, e.ID)
	}
	w.pending = w.pending[:0]

	if len(w.doomed) > 0 {
		w.order = slices.DeleteFunc(w.order, func(id EntityID) bool { return w.doomed[id] })
		for id := range w.doomed {
			delete(w.entities, id)
			delete(w.links, id)
		}
		for _, rels := range w.links {
			for rel, targets := range rels {
				rels[rel] = slices.DeleteFunc(targets, func(id EntityID) bool { return w.doomed[id] })
			}
		}
		clear(w.doomed)
	}
}

// Get returns a live entity by ID.
func (w *World) Get(id EntityID) (*Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	return e, ok
}

// Len returns the number of live entities.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.order)
}

// Query yields live entities matching f in ascending ID order. The candidate
// set is fixed when iteration starts.
func (w *World) Query(f Filter) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		for _, e := range w.snapshot() {
			if f.Match(e) && !yield(e) {
				return
			}
		}
	}
}

// All returns every live entity in ascending ID order.
func (w *World) All() []*Entity {
	return w.snapshot()
}

func (w *World) snapshot() []*Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Entity, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.entities[id])
	}
	return out
}

// Link records from -rel-> to. Both entities must be live or pending.
func (w *World) Link(from EntityID, rel Relation, to EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range [2]EntityID{from, to} {
		if !w.known(id) {
			return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
		}
	}
	rels := w.links[from]
	if rels == nil {
		rels = make(map[Relation][]EntityID)
		w.links[from] = rels
	}
	if !slices.Contains(rels[rel], to) {
		rels[rel] = append(rels[rel], to)
	}
	return nil
}

// Unlink removes from -rel-> to if present.
func (w *World) Unlink(from EntityID, rel Relation, to EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rels := w.links[from]; rels != nil {
		rels[rel] = slices.DeleteFunc(rels[rel], func(id EntityID) bool { return id == to })
	}
}

// Related yields the live entities linked from id under rel, in link order.
func (w *World) Related(id EntityID, rel Relation) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		w.mu.RLock()
		targets := slices.Clone(w.links[id][rel])
		w.mu.RUnlock()

		for _, to := range targets {
			e, ok := w.Get(to)
			if !ok {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Links returns every relation edge, ordered by source, relation and insertion.
func (w *World) Links() []Link {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Link
	for _, from := range w.order {
		rels := w.links[from]
		names := make([]Relation, 0, len(rels))
		for rel := range rels {
			names = append(names, rel)
		}
		slices.Sort(names)
		for _, rel := range names {
			for _, to := range rels[rel] {
				out = append(out, Link{From: from, Relation: rel, To: to})
			}
		}
	}
	return out
}

// Date returns the world calendar date.
func (w *World) Date() calendar.GameDate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.date
}

// SetDate replaces the world calendar date. It panics on an invalid date;
// inside a tick the engine turns that into a rule failure.
func (w *World) SetDate(d calendar.GameDate) {
	if err := d.Valid(); err != nil {
		panic(fmt.Errorf("%w: world date: %v", ErrInvalidModel, err))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.date = d
}

// NextID returns the ID the next Spawn will assign.
func (w *World) NextID() EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nextID
}

// Restore rebuilds a world from persisted state. Entities keep their IDs and
// become visible immediately; nextID is raised above the highest ID seen.
func Restore(date calendar.GameDate, entities []Entity, links []Link, nextID EntityID) (*World, error) {
	w, err := NewWorld(date)
	if err != nil {
		return nil, err
	}
	for i := range entities {
		e := entities[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("restore entity %d: %w", e.ID, err)
		}
		if _, dup := w.entities[e.ID]; dup || e.ID == 0 {
			return nil, fmt.Errorf("restore entity %d: %w: duplicate or zero id", e.ID, ErrInvalidModel)
		}
		w.entities[e.ID] = &e
		w.order = append(w.order, e.ID)
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	slices.Sort(w.order)
	w.nextID = max(nextID, 1)

	for _, l := range links {
		if err := w.Link(l.From, l.Relation, l.To); err != nil {
			return nil, fmt.Errorf("restore link %d-%s->%d: %w", l.From, l.Relation, l.To, err)
		}
	}
	return w, nil
}

// known reports whether id is live or pending. Caller holds mu.
func (w *World) known(id EntityID) bool {
	if _, ok := w.entities[id]; ok {
		return !w.doomed[id]
	}
	for _, e := range w.pending {
		if e.ID == id {
			return true
		}
	}
	return false
}
