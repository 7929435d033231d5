// Production: buildings convert input goods to output goods, throttled by
// stock on hand and by staffing.
package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/economy"
)

// Outcome is the result of one production step at one site.
type Outcome struct {
	Site       ecs.EntityID
	Level      int
	Multiplier int     // Affordable multiplier actually run, 0..Level
	Ratio      float64 // Employment ratio in [0, 1]
	Consumed   economy.GoodsList
	Produced   economy.GoodsList
}

// Stalled reports whether the site could not afford a single unit of input.
func (o Outcome) Stalled() bool {
	return o.Multiplier == 0
}

// EmployedWorkForce sums the workforce of every worker employed at site.
func EmployedWorkForce(h Host, site ecs.EntityID) economy.WorkForce {
	var total economy.WorkForce
	for w := range h.Related(site, ecs.RelEmploys) {
		if w.WorkForce != nil {
			total += *w.WorkForce
		}
	}
	return total
}

// EmploymentRatio returns employed / (expected × level), clamped to [0, 1].
func EmploymentRatio(employed, expected economy.WorkForce, level int) float64 {
	required := float64(expected) * float64(level)
	if required <= 0 {
		return 0
	}
	ratio := float64(employed) / required
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// AffordableMultiplier returns the largest m in [0, level] such that
// inventory holds at least input × m.
func AffordableMultiplier(inventory, input economy.GoodsList, level int) int {
	m := level
	for m > 0 && !inventory.AtLeast(input.Scale(float64(m))) {
		m--
	}
	return m
}

// Produce runs one production step at site: it consumes input × m from the
// inventory and adds output × m × ratio, where m is the affordable
// multiplier. Inputs are consumed even when nobody is employed. A stalled
// site's inventory is left untouched.
func Produce(site *ecs.Entity, employed economy.WorkForce) (Outcome, error) {
	o, inv, err := plan(site, employed)
	if err != nil {
		return Outcome{}, err
	}
	if !o.Stalled() {
		*site.Inventory = inv
	}
	return o, nil
}

// plan computes one production step and the resulting inventory without
// writing to site.
func plan(site *ecs.Entity, employed economy.WorkForce) (Outcome, economy.GoodsList, error) {
	if !site.Has(ecs.CompProductionSite) {
		return Outcome{}, nil, fmt.Errorf("%w: %s (%d) lacks production components", ecs.ErrInvalidModel, site.Name, site.ID)
	}
	if err := site.Validate(); err != nil {
		return Outcome{}, nil, fmt.Errorf("site %d: %w", site.ID, err)
	}

	level := site.LevelOrDefault()
	out := Outcome{
		Site:  site.ID,
		Level: level,
		Ratio: EmploymentRatio(employed, *site.ExpectedWorkForce, level),
	}

	out.Multiplier = AffordableMultiplier(*site.Inventory, *site.Input, level)
	if out.Stalled() {
		return out, nil, nil
	}

	m := float64(out.Multiplier)
	out.Consumed = site.Input.Scale(m)
	out.Produced = site.Output.Scale(m * out.Ratio)
	return out, site.Inventory.Subtract(out.Consumed).Add(out.Produced), nil
}

// RunProduction runs a production step for every production site,
// partitioned across up to workers goroutines. Every site is planned first
// and inventories are written only when the whole batch succeeds, so a
// failing site leaves every inventory as it was. The first error cancels the
// remaining partitions; a panic in a partition is returned as ErrRulePanic.
// Outcomes are returned in site ID order.
func RunProduction(ctx context.Context, h Host, workers int) ([]Outcome, error) {
	var sites []*ecs.Entity
	for e := range h.Query(ecs.ProductionSites) {
		sites = append(sites, e)
	}
	if len(sites) == 0 {
		return nil, nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(sites) {
		workers = len(sites)
	}

	outcomes := make([]Outcome, len(sites))
	inventories := make([]economy.GoodsList, len(sites))
	chunk := (len(sites) + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(sites); start += chunk {
		end := min(start+chunk, len(sites))
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: production of sites %d-%d: %v", ErrRulePanic, sites[start].ID, sites[end-1].ID, r)
				}
			}()
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				employed := EmployedWorkForce(h, sites[i].ID)
				o, inv, err := plan(sites[i], employed)
				if err != nil {
					return err
				}
				outcomes[i], inventories[i] = o, inv
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, o := range outcomes {
		if !o.Stalled() {
			*sites[i].Inventory = inventories[i]
		}
	}
	return outcomes, nil
}
