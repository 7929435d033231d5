package engine

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/economy"
)

func ptr[T any](v T) *T { return &v }

func iron(q float64) economy.GoodsList {
	return economy.GoodsList{{Name: economy.GoodIron, Quantity: q}}
}

type siteSpec struct {
	inventory, input, output economy.GoodsList
	expected                 economy.WorkForce
	employed                 []economy.WorkForce
	level                    *int
}

// newWorld spawns one production site per spec, each with its own workers.
func newWorld(t *testing.T, specs ...siteSpec) (*ecs.World, []ecs.EntityID) {
	t.Helper()
	w := ecs.MustNewWorld(calendar.MustNew(1, 1, 1))
	var sites []ecs.EntityID
	for i, sp := range specs {
		id, err := w.Spawn(ecs.Entity{
			Name:              fmt.Sprintf("site-%d", i),
			Tags:              []ecs.Tag{ecs.TagBuilding},
			Inventory:         ptr(sp.inventory.Clone()),
			Input:             ptr(sp.input.Clone()),
			Output:            ptr(sp.output.Clone()),
			ExpectedWorkForce: ptr(sp.expected),
			Level:             sp.level,
		})
		require.NoError(t, err)
		for j, wf := range sp.employed {
			wid, err := w.Spawn(ecs.Entity{
				Name:      fmt.Sprintf("worker-%d-%d", i, j),
				Tags:      []ecs.Tag{ecs.TagWorker},
				WorkForce: ptr(wf),
			})
			require.NoError(t, err)
			require.NoError(t, w.Link(id, ecs.RelEmploys, wid))
		}
		sites = append(sites, id)
	}
	w.Flush()
	return w, sites
}

func inventoryOf(t *testing.T, w *ecs.World, id ecs.EntityID) economy.GoodsList {
	t.Helper()
	e, ok := w.Get(id)
	require.True(t, ok)
	return *e.Inventory
}

func TestRunProduction_ConcreteScenarios(t *testing.T) {
	tests := []struct {
		name      string
		spec      siteSpec
		want      economy.GoodsList
		wantRatio float64
		wantMult  int
	}{
		{
			name:      "fully staffed",
			spec:      siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 10, employed: []economy.WorkForce{10}},
			want:      iron(7),
			wantRatio: 1,
			wantMult:  1,
		},
		{
			name:      "half staffed",
			spec:      siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 10, employed: []economy.WorkForce{2, 3}},
			want:      iron(6),
			wantRatio: 0.5,
			wantMult:  1,
		},
		{
			name:      "insufficient input stalls",
			spec:      siteSpec{inventory: iron(3), input: iron(5), output: iron(2), expected: 10, employed: []economy.WorkForce{10}},
			want:      iron(3),
			wantRatio: 1,
			wantMult:  0,
		},
		{
			name:      "overstaffed clamps to one",
			spec:      siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 10, employed: []economy.WorkForce{25}},
			want:      iron(7),
			wantRatio: 1,
			wantMult:  1,
		},
		{
			name:      "unstaffed still consumes",
			spec:      siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 10},
			want:      iron(5),
			wantRatio: 0,
			wantMult:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, sites := newWorld(t, tt.spec)

			outcomes, err := RunProduction(context.Background(), w, 1)
			require.NoError(t, err)
			require.Len(t, outcomes, 1)

			assert.Equal(t, tt.wantMult, outcomes[0].Multiplier)
			assert.InDelta(t, tt.wantRatio, outcomes[0].Ratio, 1e-12)
			assert.True(t, inventoryOf(t, w, sites[0]).Equal(tt.want), "got %s", inventoryOf(t, w, sites[0]))
		})
	}
}

func TestProduce_LevelMultiplier(t *testing.T) {
	coalAndOre := economy.GoodsList{{Name: economy.GoodIronOre, Quantity: 4}, {Name: economy.GoodCoal, Quantity: 1}}
	inventory := economy.GoodsList{{Name: economy.GoodIronOre, Quantity: 9}, {Name: economy.GoodCoal, Quantity: 10}}

	// Level 3 needs 12 ore; 9 ore affords two units.
	w, sites := newWorld(t, siteSpec{
		inventory: inventory,
		input:     coalAndOre,
		output:    iron(2),
		expected:  5,
		employed:  []economy.WorkForce{5},
		level:     ptr(3),
	})

	outcomes, err := RunProduction(context.Background(), w, 1)
	require.NoError(t, err)
	o := outcomes[0]
	assert.Equal(t, 3, o.Level)
	assert.Equal(t, 2, o.Multiplier)
	assert.InDelta(t, 5.0/15.0, o.Ratio, 1e-12)

	got := inventoryOf(t, w, sites[0])
	assert.InDelta(t, 1, got.Quantity(economy.GoodIronOre), 1e-12)
	assert.InDelta(t, 8, got.Quantity(economy.GoodCoal), 1e-12)
	assert.InDelta(t, 2*2*(5.0/15.0), got.Quantity(economy.GoodIron), 1e-12)
}

func TestProduce_Conservation(t *testing.T) {
	specs := []siteSpec{
		{inventory: iron(100), input: iron(7), output: iron(3), expected: 4, employed: []economy.WorkForce{1, 1}, level: ptr(5)},
		{inventory: economy.GoodsList{{Name: economy.GoodGrain, Quantity: 13}}, input: economy.GoodsList{{Name: economy.GoodGrain, Quantity: 4}}, output: economy.GoodsList{{Name: economy.GoodBread, Quantity: 6}}, expected: 3, employed: []economy.WorkForce{2}, level: ptr(4)},
		{inventory: nil, input: nil, output: economy.GoodsList{{Name: economy.GoodStone, Quantity: 1.5}}, expected: 2, employed: []economy.WorkForce{1}},
		{inventory: iron(1), input: iron(2), output: iron(9), expected: 1, employed: []economy.WorkForce{1}},
	}
	for i, sp := range specs {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			w, sites := newWorld(t, sp)
			before := inventoryOf(t, w, sites[0]).Clone()

			outcomes, err := RunProduction(context.Background(), w, 1)
			require.NoError(t, err)
			o := outcomes[0]
			after := inventoryOf(t, w, sites[0])

			if o.Stalled() {
				assert.True(t, after.Equal(before))
				return
			}
			m := float64(o.Multiplier)
			want := before.Subtract(sp.input.Scale(m)).Add(sp.output.Scale(m * o.Ratio))
			for _, name := range want.Add(after).Names() {
				assert.InDelta(t, want.Quantity(name), after.Quantity(name), 1e-9, string(name))
				assert.GreaterOrEqual(t, after.Quantity(name), 0.0)
			}
			assert.True(t, before.AtLeast(sp.input.Scale(m)))
		})
	}
}

func TestProduce_RejectsInvalidModelAtRuntime(t *testing.T) {
	w, sites := newWorld(t, siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 10})
	e, _ := w.Get(sites[0])

	// Upstream corruption after spawn must surface, not divide by zero.
	*e.ExpectedWorkForce = 0
	_, err := RunProduction(context.Background(), w, 1)
	assert.ErrorIs(t, err, ecs.ErrInvalidModel)

	*e.ExpectedWorkForce = 10
	*e.Inventory = economy.GoodsList{{Name: economy.GoodIron, Quantity: -4}}
	_, err = RunProduction(context.Background(), w, 1)
	assert.ErrorIs(t, err, ecs.ErrInvalidModel)

	_, err = Produce(&ecs.Entity{Name: "shed"}, 0)
	assert.ErrorIs(t, err, ecs.ErrInvalidModel)
}

func TestRunProduction_FailedBatchWritesNothing(t *testing.T) {
	w, sites := newWorld(t,
		siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 1, employed: []economy.WorkForce{1}},
		siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 1},
	)
	bad, _ := w.Get(sites[1])
	*bad.ExpectedWorkForce = 0

	_, err := RunProduction(context.Background(), w, 1)
	require.ErrorIs(t, err, ecs.ErrInvalidModel)
	assert.True(t, inventoryOf(t, w, sites[0]).Equal(iron(10)), "first site must not keep its step")
}

// explodingHost panics whenever a site's workers are looked up.
type explodingHost struct {
	*ecs.World
}

func (explodingHost) Related(ecs.EntityID, ecs.Relation) iter.Seq[*ecs.Entity] {
	panic("boom")
}

func TestRunProduction_PartitionPanicIsRuleError(t *testing.T) {
	w, sites := newWorld(t,
		siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 1},
		siteSpec{inventory: iron(10), input: iron(5), output: iron(2), expected: 1},
	)

	_, err := RunProduction(context.Background(), explodingHost{w}, 2)
	require.ErrorIs(t, err, ErrRulePanic)
	assert.Contains(t, err.Error(), "boom")

	eng := NewEngine()
	eng.Register(System{Name: "production", Phase: PhaseRules, Run: func(ctx context.Context, _ uint64) error {
		_, err := RunProduction(ctx, explodingHost{w}, 2)
		return err
	}})
	err = eng.Step(context.Background())
	require.ErrorIs(t, err, ErrRulePanic)
	assert.Contains(t, err.Error(), "production")

	for _, id := range sites {
		assert.True(t, inventoryOf(t, w, id).Equal(iron(10)))
	}
}

func TestRunProduction_ParallelMatchesSerial(t *testing.T) {
	var specs []siteSpec
	for i := 0; i < 37; i++ {
		specs = append(specs, siteSpec{
			inventory: iron(float64(i)),
			input:     iron(3),
			output:    iron(float64(i%4 + 1)),
			expected:  4,
			employed:  []economy.WorkForce{economy.WorkForce(i % 6)},
			level:     ptr(i%3 + 1),
		})
	}

	serialWorld, serialSites := newWorld(t, specs...)
	parallelWorld, parallelSites := newWorld(t, specs...)

	serial, err := RunProduction(context.Background(), serialWorld, 1)
	require.NoError(t, err)
	parallel, err := RunProduction(context.Background(), parallelWorld, 8)
	require.NoError(t, err)

	require.Len(t, parallel, len(specs))
	for i := range specs {
		assert.Equal(t, serial[i].Multiplier, parallel[i].Multiplier)
		assert.Equal(t, serialSites[i], serial[i].Site)
		assert.True(t, inventoryOf(t, serialWorld, serialSites[i]).Equal(inventoryOf(t, parallelWorld, parallelSites[i])))
	}
}

func TestRunProduction_IgnoresUntaggedAndEmptyWorld(t *testing.T) {
	w := ecs.MustNewWorld(calendar.MustNew(1, 1, 1))
	outcomes, err := RunProduction(context.Background(), w, 4)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	_, err = w.Spawn(ecs.Entity{
		Name:              "warehouse",
		Inventory:         ptr(iron(10)),
		Input:             ptr(iron(1)),
		Output:            ptr(iron(1)),
		ExpectedWorkForce: ptr(economy.WorkForce(1)),
	})
	require.NoError(t, err)
	w.Flush()

	outcomes, err = RunProduction(context.Background(), w, 4)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestAffordableMultiplierAndRatio(t *testing.T) {
	assert.Equal(t, 3, AffordableMultiplier(iron(15), iron(5), 3))
	assert.Equal(t, 2, AffordableMultiplier(iron(14), iron(5), 3))
	assert.Equal(t, 0, AffordableMultiplier(iron(4), iron(5), 3))
	assert.Equal(t, 4, AffordableMultiplier(nil, nil, 4))

	assert.Equal(t, 0.0, EmploymentRatio(5, 0, 1))
	assert.Equal(t, 0.25, EmploymentRatio(5, 10, 2))
	assert.Equal(t, 1.0, EmploymentRatio(50, 10, 2))
	assert.Equal(t, 0.0, EmploymentRatio(-1, 10, 1))
}
