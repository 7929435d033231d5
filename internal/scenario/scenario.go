// Package scenario loads world definitions from YAML and builds the initial
// entity world from them.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/economy"
)

// Scenario describes a starting world.
type Scenario struct {
	Name       string      `yaml:"name"`
	StartDate  string      `yaml:"start_date"` // YYYY-MM-DD
	Sites      []Site      `yaml:"sites"`
	Characters []Character `yaml:"characters,omitempty"`
}

// Site is a production building and the workers it employs.
type Site struct {
	Name              string   `yaml:"name"`
	Level             int      `yaml:"level,omitempty"` // 0 = no level component
	ExpectedWorkForce float64  `yaml:"expected_workforce"`
	Inventory         Ledger   `yaml:"inventory,omitempty"`
	Input             Ledger   `yaml:"input,omitempty"`
	Output            Ledger   `yaml:"output,omitempty"`
	Workers           []Worker `yaml:"workers,omitempty"`
}

// Worker supplies workforce to the site that lists it.
type Worker struct {
	Name      string  `yaml:"name"`
	WorkForce float64 `yaml:"workforce"`
}

// Character is a person whose age follows the calendar.
type Character struct {
	Name     string `yaml:"name"`
	Birthday string `yaml:"birthday"` // YYYY-MM-DD
}

// Ledger is a goods list written as a YAML mapping of good name to quantity.
// Mapping order is kept.
type Ledger economy.GoodsList

func (l Ledger) clone() Ledger {
	return Ledger(economy.GoodsList(l).Clone())
}

// UnmarshalYAML decodes a `name: quantity` mapping in document order.
func (l *Ledger) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: goods must be a mapping of name to quantity", node.Line)
	}
	out := make(Ledger, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var qty float64
		if err := node.Content[i+1].Decode(&qty); err != nil {
			return fmt.Errorf("line %d: quantity of %q: %w", node.Content[i+1].Line, node.Content[i].Value, err)
		}
		out = append(out, economy.Good{Name: economy.GoodName(node.Content[i].Value), Quantity: qty})
	}
	*l = out
	return nil
}

// MarshalYAML encodes the ledger as a mapping in ledger order.
func (l Ledger) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, g := range l {
		var val yaml.Node
		if err := val.Encode(g.Quantity); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: string(g.Name)},
			&val,
		)
	}
	return node, nil
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return &s, nil
}

// Marshal encodes the scenario as YAML.
func (s *Scenario) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Build spawns the scenario's entities into a new world. Sites are rejected
// with ecs.ErrInvalidModel when their data cannot be simulated.
func (s *Scenario) Build() (*ecs.World, error) {
	start, err := calendar.Parse(s.StartDate)
	if err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}

	w, err := ecs.NewWorld(start)
	if err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}
	for _, site := range s.Sites {
		if err := spawnSite(w, site); err != nil {
			return nil, fmt.Errorf("site %q: %w", site.Name, err)
		}
	}
	for _, c := range s.Characters {
		birthday, err := calendar.Parse(c.Birthday)
		if err != nil {
			return nil, fmt.Errorf("character %q: %w: %v", c.Name, ecs.ErrInvalidModel, err)
		}
		age := calendar.Age(birthday, start)
		if _, err := w.Spawn(ecs.Entity{
			Name:     c.Name,
			Tags:     []ecs.Tag{ecs.TagCharacter},
			Age:      &age,
			Birthday: &birthday,
		}); err != nil {
			return nil, fmt.Errorf("character %q: %w", c.Name, err)
		}
	}
	w.Flush()
	return w, nil
}

func spawnSite(w *ecs.World, s Site) error {
	inventory := economy.GoodsList(s.Inventory)
	input := economy.GoodsList(s.Input)
	output := economy.GoodsList(s.Output)
	expected := economy.WorkForce(s.ExpectedWorkForce)

	e := ecs.Entity{
		Name:              s.Name,
		Tags:              []ecs.Tag{ecs.TagBuilding},
		Inventory:         &inventory,
		Input:             &input,
		Output:            &output,
		ExpectedWorkForce: &expected,
	}
	if s.Level != 0 {
		level := s.Level
		e.Level = &level
	}

	siteID, err := w.Spawn(e)
	if err != nil {
		return err
	}
	for _, wk := range s.Workers {
		wf := economy.WorkForce(wk.WorkForce)
		workerID, err := w.Spawn(ecs.Entity{
			Name:      wk.Name,
			Tags:      []ecs.Tag{ecs.TagWorker},
			WorkForce: &wf,
		})
		if err != nil {
			return fmt.Errorf("worker %q: %w", wk.Name, err)
		}
		if err := w.Link(siteID, ecs.RelEmploys, workerID); err != nil {
			return err
		}
	}
	return nil
}
