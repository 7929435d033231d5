package engine

import (
	"iter"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/ecs"
)

// Host is the entity world the rules read and write. Component values are
// read and written through the returned entity handles.
type Host interface {
	Query(f ecs.Filter) iter.Seq[*ecs.Entity]
	Related(id ecs.EntityID, rel ecs.Relation) iter.Seq[*ecs.Entity]
	Date() calendar.GameDate
	SetDate(d calendar.GameDate)
}

var _ Host = (*ecs.World)(nil)
