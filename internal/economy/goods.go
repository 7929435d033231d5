// Package economy provides the goods ledger and workforce quantities used by
// production sites.
package economy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidLedger is returned by Validate for malformed ledgers.
var ErrInvalidLedger = errors.New("invalid goods ledger")

// GoodName identifies a commodity. Two goods with the same name are the same commodity.
type GoodName string

// Well-known goods used by generated scenarios.
const (
	GoodGrain   GoodName = "grain"
	GoodBread   GoodName = "bread"
	GoodTimber  GoodName = "timber"
	GoodPlanks  GoodName = "planks"
	GoodStone   GoodName = "stone"
	GoodIronOre GoodName = "iron_ore"
	GoodCoal    GoodName = "coal"
	GoodIron    GoodName = "iron"
	GoodTools   GoodName = "tools"
)

// WorkForce is a staffing quantity: required by a site, or supplied by a worker.
type WorkForce float64

// Good is a named quantity of a commodity.
type Good struct {
	Name     GoodName `json:"name"`
	Quantity float64  `json:"quantity"`
}

// GoodsList is an ordered ledger of goods. Arithmetic never mutates the
// receiver and always yields at most one entry per name. Quantities are
// real-valued; no rounding is applied.
type GoodsList []Good

// NewGoodsList builds a ledger, merging duplicate names in first-seen order.
func NewGoodsList(goods ...Good) GoodsList {
	return GoodsList(nil).Add(goods)
}

// Quantity returns the held quantity of name, zero when absent.
func (l GoodsList) Quantity(name GoodName) float64 {
	var total float64
	for _, g := range l {
		if g.Name == name {
			total += g.Quantity
		}
	}
	return total
}

// Names returns the distinct good names in ledger order.
func (l GoodsList) Names() []GoodName {
	names := make([]GoodName, 0, len(l))
	seen := make(map[GoodName]bool, len(l))
	for _, g := range l {
		if !seen[g.Name] {
			seen[g.Name] = true
			names = append(names, g.Name)
		}
	}
	return names
}

// Clone returns an independent copy.
func (l GoodsList) Clone() GoodsList {
	if l == nil {
		return nil
	}
	out := make(GoodsList, len(l))
	copy(out, l)
	return out
}

// IsEmpty reports whether the ledger holds nothing.
func (l GoodsList) IsEmpty() bool {
	for _, g := range l {
		if g.Quantity != 0 {
			return false
		}
	}
	return true
}

// Total returns the sum of all quantities.
func (l GoodsList) Total() float64 {
	var total float64
	for _, g := range l {
		total += g.Quantity
	}
	return total
}

// Add merges other into a copy of l, summing shared names.
func (l GoodsList) Add(other GoodsList) GoodsList {
	out := make(GoodsList, 0, len(l)+len(other))
	index := make(map[GoodName]int, len(l)+len(other))
	for _, src := range [2]GoodsList{l, other} {
		for _, g := range src {
			if i, ok := index[g.Name]; ok {
				out[i].Quantity += g.Quantity
				continue
			}
			index[g.Name] = len(out)
			out = append(out, g)
		}
	}
	return out
}

// Subtract removes other's quantities from a copy of l. Results saturate at
// zero and keep their entry; names only present in other are not added.
func (l GoodsList) Subtract(other GoodsList) GoodsList {
	out := NewGoodsList(l...)
	for i := range out {
		q := out[i].Quantity - other.Quantity(out[i].Name)
		if q < 0 {
			q = 0
		}
		out[i].Quantity = q
	}
	return out
}

// Scale multiplies every quantity by factor. Negative or NaN factors count as zero.
func (l GoodsList) Scale(factor float64) GoodsList {
	if factor < 0 || math.IsNaN(factor) {
		factor = 0
	}
	out := NewGoodsList(l...)
	for i := range out {
		out[i].Quantity *= factor
	}
	return out
}

// AtLeast reports whether l holds at least other's quantity of every good
// named in other. Goods absent from l count as zero.
func (l GoodsList) AtLeast(other GoodsList) bool {
	for _, name := range other.Names() {
		if l.Quantity(name) < other.Quantity(name) {
			return false
		}
	}
	return true
}

// Equal compares ledgers ignoring order; absent and zero entries are equal.
func (l GoodsList) Equal(other GoodsList) bool {
	for _, name := range l.Names() {
		if l.Quantity(name) != other.Quantity(name) {
			return false
		}
	}
	for _, name := range other.Names() {
		if l.Quantity(name) != other.Quantity(name) {
			return false
		}
	}
	return true
}

// Validate rejects empty names, duplicate names and negative or non-finite quantities.
func (l GoodsList) Validate() error {
	seen := make(map[GoodName]bool, len(l))
	for _, g := range l {
		switch {
		case g.Name == "":
			return fmt.Errorf("%w: empty good name", ErrInvalidLedger)
		case seen[g.Name]:
			return fmt.Errorf("%w: duplicate good %q", ErrInvalidLedger, g.Name)
		case math.IsNaN(g.Quantity) || math.IsInf(g.Quantity, 0):
			return fmt.Errorf("%w: %s quantity is not finite", ErrInvalidLedger, g.Name)
		case g.Quantity < 0:
			return fmt.Errorf("%w: %s quantity %g is negative", ErrInvalidLedger, g.Name, g.Quantity)
		}
		seen[g.Name] = true
	}
	return nil
}

// String renders the ledger as "coal:3 iron:7".
func (l GoodsList) String() string {
	parts := make([]string, 0, len(l))
	for _, g := range l {
		parts = append(parts, string(g.Name)+":"+strconv.FormatFloat(g.Quantity, 'f', -1, 64))
	}
	return strings.Join(parts, " ")
}
