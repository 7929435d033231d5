// Procedural scenarios, deterministic from a seed and shaped by OpenSimplex noise.
package scenario

import (
	"fmt"
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/economy"
)

// recipe is a building archetype: what it consumes and yields per level.
type recipe struct {
	name     string
	input    Ledger
	output   Ledger
	expected float64
}

var recipes = []recipe{
	{"Farm", nil, Ledger{{Name: economy.GoodGrain, Quantity: 6}}, 4},
	{"Bakery", Ledger{{Name: economy.GoodGrain, Quantity: 4}}, Ledger{{Name: economy.GoodBread, Quantity: 3}}, 3},
	{"Lumber Camp", nil, Ledger{{Name: economy.GoodTimber, Quantity: 5}}, 3},
	{"Sawmill", Ledger{{Name: economy.GoodTimber, Quantity: 4}}, Ledger{{Name: economy.GoodPlanks, Quantity: 3}}, 2},
	{"Quarry", nil, Ledger{{Name: economy.GoodStone, Quantity: 4}}, 5},
	{"Mine", nil, Ledger{{Name: economy.GoodIronOre, Quantity: 4}, {Name: economy.GoodCoal, Quantity: 2}}, 6},
	{"Smelter", Ledger{{Name: economy.GoodIronOre, Quantity: 4}, {Name: economy.GoodCoal, Quantity: 2}}, Ledger{{Name: economy.GoodIron, Quantity: 2}}, 4},
	{"Smithy", Ledger{{Name: economy.GoodIron, Quantity: 2}, {Name: economy.GoodPlanks, Quantity: 1}}, Ledger{{Name: economy.GoodTools, Quantity: 1}}, 2},
}

var givenNames = []string{
	"Aurelia", "Cassius", "Octavia", "Marcus", "Livia", "Decimus", "Flavia", "Titus",
	"Valeria", "Gaius", "Julia", "Septimus", "Cornelia", "Lucius", "Drusilla", "Quintus",
}

var familyNames = []string{
	"Invictus", "Corvinus", "Severa", "Aquila", "Varro", "Stella", "Rufus", "Calvina",
}

const (
	gridWidth  = 8
	noiseScale = 0.35
)

// Generate builds a scenario with the given number of sites. Each site sits
// on a grid cell; noise at that cell picks its recipe, level, stock and
// staffing. Half as many characters are added with birthdays spread over
// the previous 16–66 years.
func Generate(seed int64, sites int) *Scenario {
	kind := opensimplex.NewNormalized(seed)
	size := opensimplex.NewNormalized(seed + 1)
	stock := opensimplex.NewNormalized(seed + 2)
	staff := opensimplex.NewNormalized(seed + 3)
	rng := rand.New(rand.NewSource(seed + 400))

	start := calendar.MustNew(1, 1, 1)
	s := &Scenario{
		Name:      fmt.Sprintf("generated-%d", seed),
		StartDate: start.String(),
	}

	for i := 0; i < sites; i++ {
		x := float64(i%gridWidth) * noiseScale
		y := float64(i/gridWidth) * noiseScale

		r := recipes[pick(kind.Eval2(x, y), len(recipes))]
		level := 1 + pick(size.Eval2(x, y), 3)

		// Enough input for 2–12 full-level cycles.
		cycles := 2 + math.Round(stock.Eval2(x, y)*10)
		var inventory Ledger
		for _, g := range r.input {
			inventory = append(inventory, economy.Good{Name: g.Name, Quantity: g.Quantity * float64(level) * cycles})
		}

		site := Site{
			Name:              fmt.Sprintf("%s %d", r.name, i+1),
			ExpectedWorkForce: r.expected,
			Inventory:         inventory,
			Input:             r.input.clone(),
			Output:            r.output.clone(),
		}
		if level > 1 {
			site.Level = level
		}

		// Staffing between 40% and 120% of what the level requires.
		want := r.expected * float64(level) * (0.4 + 0.8*staff.Eval2(x, y))
		for n := 1; want > 0; n++ {
			wf := math.Min(want, float64(1+rng.Intn(3)))
			site.Workers = append(site.Workers, Worker{Name: fmt.Sprintf("%s %d crew %d", r.name, i+1, n), WorkForce: wf})
			want -= wf
		}

		s.Sites = append(s.Sites, site)
	}

	for i := 0; i < sites/2; i++ {
		year := start.Year - 16 - rng.Intn(51)
		month := 1 + rng.Intn(12)
		day := 1 + rng.Intn(calendar.DaysInMonth(year, month))
		s.Characters = append(s.Characters, Character{
			Name:     fmt.Sprintf("%s %s", givenNames[rng.Intn(len(givenNames))], familyNames[rng.Intn(len(familyNames))]),
			Birthday: calendar.MustNew(year, month, day).String(),
		})
	}
	return s
}

// pick maps a normalized noise value in [0, 1] onto [0, n).
func pick(v float64, n int) int {
	i := int(v * float64(n))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}
