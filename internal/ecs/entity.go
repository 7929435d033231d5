// Package ecs provides the in-memory entity world the simulation rules run
// against: entities with optional components, tags, named relations between
// entities and the world's singleton calendar date.
package ecs

import (
	"errors"
	"fmt"
	"slices"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/economy"
)

var (
	// ErrInvalidModel marks entity data that can never be simulated, such as
	// a production site expecting zero workforce.
	ErrInvalidModel = errors.New("invalid model data")

	// ErrUnknownEntity is returned when an operation names a missing entity.
	ErrUnknownEntity = errors.New("unknown entity")
)

// EntityID is a unique entity handle. IDs are never reused within a world.
type EntityID uint64

// Tag labels an entity for queries.
type Tag string

const (
	TagBuilding  Tag = "building"
	TagWorker    Tag = "worker"
	TagCharacter Tag = "character"
)

// Relation names a directed link between two entities.
type Relation string

// RelEmploys links a production site to a worker employed there.
const RelEmploys Relation = "employs"

// Component is a bitmask of component kinds present on an entity.
type Component uint16

const (
	CompInventory Component = 1 << iota
	CompInput
	CompOutput
	CompExpectedWorkForce
	CompWorkForce
	CompLevel
	CompAge
	CompBirthday
)

// CompProductionSite is the component set every production site carries.
const CompProductionSite = CompInventory | CompInput | CompOutput | CompExpectedWorkForce

// Entity is a simulated thing. Optional components are nil when absent.
type Entity struct {
	ID   EntityID `json:"id"`
	Name string   `json:"name"`
	Tags []Tag    `json:"tags,omitempty"`

	// Production site
	Inventory         *economy.GoodsList `json:"inventory,omitempty"`
	Input             *economy.GoodsList `json:"input,omitempty"`  // Consumed per unit of level
	Output            *economy.GoodsList `json:"output,omitempty"` // Yielded per unit of level at full staffing
	ExpectedWorkForce *economy.WorkForce `json:"expected_workforce,omitempty"`
	Level             *int               `json:"level,omitempty"` // Throughput multiplier; absent means 1

	// Worker
	WorkForce *economy.WorkForce `json:"workforce,omitempty"`

	// Character
	Age      *int               `json:"age,omitempty"` // Derived from Birthday and the world date
	Birthday *calendar.GameDate `json:"birthday,omitempty"`
}

// Components returns the mask of components present.
func (e *Entity) Components() Component {
	var c Component
	if e.Inventory != nil {
		c |= CompInventory
	}
	if e.Input != nil {
		c |= CompInput
	}
	if e.Output != nil {
		c |= CompOutput
	}
	if e.ExpectedWorkForce != nil {
		c |= CompExpectedWorkForce
	}
	if e.WorkForce != nil {
		c |= CompWorkForce
	}
	if e.Level != nil {
		c |= CompLevel
	}
	if e.Age != nil {
		c |= CompAge
	}
	if e.Birthday != nil {
		c |= CompBirthday
	}
	return c
}

// Has reports whether every component in mask is present.
func (e *Entity) Has(mask Component) bool {
	return e.Components()&mask == mask
}

// HasTag reports whether the entity carries tag.
func (e *Entity) HasTag(tag Tag) bool {
	return slices.Contains(e.Tags, tag)
}

// LevelOrDefault returns the level multiplier, 1 when the component is absent.
func (e *Entity) LevelOrDefault() int {
	if e.Level == nil {
		return 1
	}
	return *e.Level
}

// Validate checks the entity's component data for model errors.
func (e *Entity) Validate() error {
	for _, l := range []struct {
		name string
		list *economy.GoodsList
	}{
		{"inventory", e.Inventory},
		{"input", e.Input},
		{"output", e.Output},
	} {
		if l.list == nil {
			continue
		}
		if err := l.list.Validate(); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrInvalidModel, e.Name, l.name, err)
		}
	}
	if e.ExpectedWorkForce != nil && !(*e.ExpectedWorkForce > 0) {
		return fmt.Errorf("%w: %s expected workforce %g must be positive", ErrInvalidModel, e.Name, float64(*e.ExpectedWorkForce))
	}
	if e.WorkForce != nil && !(*e.WorkForce >= 0) {
		return fmt.Errorf("%w: %s workforce %g is negative", ErrInvalidModel, e.Name, float64(*e.WorkForce))
	}
	if e.Level != nil && *e.Level < 1 {
		return fmt.Errorf("%w: %s level %d must be at least 1", ErrInvalidModel, e.Name, *e.Level)
	}
	if e.Birthday != nil {
		if err := e.Birthday.Valid(); err != nil {
			return fmt.Errorf("%w: %s birthday: %v", ErrInvalidModel, e.Name, err)
		}
	}
	return nil
}

// Filter selects entities carrying all of its components and tags.
type Filter struct {
	All  Component
	Tags []Tag
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e *Entity) bool {
	if !e.Has(f.All) {
		return false
	}
	for _, t := range f.Tags {
		if !e.HasTag(t) {
			return false
		}
	}
	return true
}

// ProductionSites selects tagged buildings carrying the production components.
var ProductionSites = Filter{All: CompProductionSite, Tags: []Tag{TagBuilding}}

// Aging selects entities whose age is derived from a birthday.
var Aging = Filter{All: CompAge | CompBirthday}
