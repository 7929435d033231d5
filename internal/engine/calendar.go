// Calendar advancement and aging.
package engine

import (
	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/ecs"
)

// AdvanceCalendar moves the world date forward one day. It must be the only
// writer of the date and run before any rule that reads it in the same tick.
func AdvanceCalendar(h Host) calendar.GameDate {
	d := h.Date()
	d.Advance()
	h.SetDate(d)
	return d
}

// AgeChange records an age recomputation that altered the stored value.
type AgeChange struct {
	Entity *ecs.Entity
	From   int
	To     int
}

// UpdateAges recomputes the age of every entity with a birthday. The age
// component is only written when the value changes.
func UpdateAges(h Host) []AgeChange {
	today := h.Date()

	var changes []AgeChange
	for e := range h.Query(ecs.Aging) {
		age := calendar.Age(*e.Birthday, today)
		if *e.Age == age {
			continue
		}
		changes = append(changes, AgeChange{Entity: e, From: *e.Age, To: age})
		*e.Age = age
	}
	return changes
}
