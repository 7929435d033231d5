// Package persistence provides SQLite-based world state storage.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/economy"
	"github.com/talgya/stella-invicta/internal/engine"
)

// Metadata keys.
const (
	MetaLastTick = "last_tick"
	MetaDate     = "date"
	MetaNextID   = "next_id"
	MetaWorldID  = "world_id"
	MetaStalled  = "stalled_sites"
)

// DB wraps a SQLite connection for world state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		tags_json TEXT NOT NULL,
		components_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relations (
		from_id INTEGER NOT NULL,
		relation TEXT NOT NULL,
		to_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (from_id, relation, to_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		date TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);
	CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// entityRow is the stored form of an entity. Components are kept as one JSON
// document so new component kinds need no schema change.
type entityRow struct {
	ID             ecs.EntityID `db:"id"`
	Name           string       `db:"name"`
	TagsJSON       string       `db:"tags_json"`
	ComponentsJSON string       `db:"components_json"`
}

type components struct {
	Inventory         *economy.GoodsList `json:"inventory,omitempty"`
	Input             *economy.GoodsList `json:"input,omitempty"`
	Output            *economy.GoodsList `json:"output,omitempty"`
	ExpectedWorkForce *economy.WorkForce `json:"expected_workforce,omitempty"`
	Level             *int               `json:"level,omitempty"`
	WorkForce         *economy.WorkForce `json:"workforce,omitempty"`
	Age               *int               `json:"age,omitempty"`
	Birthday          *calendar.GameDate `json:"birthday,omitempty"`
}

func toRow(e *ecs.Entity) (entityRow, error) {
	tags := e.Tags
	if tags == nil {
		tags = []ecs.Tag{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return entityRow{}, err
	}
	compJSON, err := json.Marshal(components{
		Inventory:         e.Inventory,
		Input:             e.Input,
		Output:            e.Output,
		ExpectedWorkForce: e.ExpectedWorkForce,
		Level:             e.Level,
		WorkForce:         e.WorkForce,
		Age:               e.Age,
		Birthday:          e.Birthday,
	})
	if err != nil {
		return entityRow{}, err
	}
	return entityRow{ID: e.ID, Name: e.Name, TagsJSON: string(tagsJSON), ComponentsJSON: string(compJSON)}, nil
}

func (r entityRow) entity() (ecs.Entity, error) {
	e := ecs.Entity{ID: r.ID, Name: r.Name}
	if err := json.Unmarshal([]byte(r.TagsJSON), &e.Tags); err != nil {
		return ecs.Entity{}, fmt.Errorf("entity %d tags: %w", r.ID, err)
	}
	var c components
	if err := json.Unmarshal([]byte(r.ComponentsJSON), &c); err != nil {
		return ecs.Entity{}, fmt.Errorf("entity %d components: %w", r.ID, err)
	}
	if len(e.Tags) == 0 {
		e.Tags = nil
	}
	e.Inventory, e.Input, e.Output = c.Inventory, c.Input, c.Output
	e.ExpectedWorkForce, e.Level = c.ExpectedWorkForce, c.Level
	e.WorkForce = c.WorkForce
	e.Age, e.Birthday = c.Age, c.Birthday
	return e, nil
}

func saveEntities(tx *sqlx.Tx, list []*ecs.Entity) error {
	if _, err := tx.Exec("DELETE FROM entities"); err != nil {
		return err
	}

	stmt, err := tx.PrepareNamed(`INSERT INTO entities (id, name, tags_json, components_json)
		VALUES (:id, :name, :tags_json, :components_json)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range list {
		row, err := toRow(e)
		if err != nil {
			return fmt.Errorf("encode entity %d: %w", e.ID, err)
		}
		if _, err := stmt.Exec(row); err != nil {
			return fmt.Errorf("insert entity %d: %w", e.ID, err)
		}
	}
	return nil
}

func saveRelations(tx *sqlx.Tx, links []ecs.Link) error {
	if _, err := tx.Exec("DELETE FROM relations"); err != nil {
		return err
	}
	for seq, l := range links {
		_, err := tx.Exec(
			"INSERT INTO relations (from_id, relation, to_id, seq) VALUES (?, ?, ?, ?)",
			l.From, l.Relation, l.To, seq)
		if err != nil {
			return fmt.Errorf("insert relation %d-%s->%d: %w", l.From, l.Relation, l.To, err)
		}
	}
	return nil
}

func saveEvents(tx *sqlx.Tx, events []engine.Event) error {
	for _, e := range events {
		_, err := tx.NamedExec(
			"INSERT INTO events (tick, date, description, category) VALUES (:tick, :date, :description, :category)", e)
		if err != nil {
			return err
		}
	}
	return nil
}

func saveMeta(tx *sqlx.Tx, key, value string) error {
	_, err := tx.Exec("INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// SaveEvents appends events to the database.
func (db *DB) SaveEvents(events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveEvents(tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value. A missing key returns sql.ErrNoRows.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	return value, err
}

// WorldID returns the identifier of the stored world, creating one on first use.
func (db *DB) WorldID() (string, error) {
	id, err := db.GetMeta(MetaWorldID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = uuid.NewString()
	if err := db.SaveMeta(MetaWorldID, id); err != nil {
		return "", err
	}
	return id, nil
}

// HasWorldState reports whether a world has been saved.
func (db *DB) HasWorldState() bool {
	_, err := db.GetMeta(MetaLastTick)
	return err == nil
}

// SaveWorldState performs a full save of all world state in one transaction.
// Entities and relations are replaced; events recorded since the previous
// save are appended. Pending events stay queued until the commit succeeds.
// Callers hold the simulation write lock.
func (db *DB) SaveWorldState(sim *engine.Simulation) error {
	worldID, err := db.WorldID()
	if err != nil {
		return fmt.Errorf("world id: %w", err)
	}

	entities := sim.World.All()
	links := sim.World.Links()
	events := sim.PendingEvents()
	stalled, err := json.Marshal(sim.StalledSites())
	if err != nil {
		return fmt.Errorf("encode stalled sites: %w", err)
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveEntities(tx, entities); err != nil {
		return fmt.Errorf("save entities: %w", err)
	}
	if err := saveRelations(tx, links); err != nil {
		return fmt.Errorf("save relations: %w", err)
	}
	if err := saveEvents(tx, events); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	for key, value := range map[string]string{
		MetaLastTick: strconv.FormatUint(sim.CurrentTick(), 10),
		MetaDate:     sim.Date().String(),
		MetaNextID:   strconv.FormatUint(uint64(sim.World.NextID()), 10),
		MetaStalled:  string(stalled),
	} {
		if err := saveMeta(tx, key, value); err != nil {
			return fmt.Errorf("save meta %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	sim.AckEvents(len(events))

	slog.Info("world state saved",
		"world", worldID,
		"tick", sim.CurrentTick(),
		"entities", len(entities),
		"relations", len(links),
		"events", len(events),
	)
	return nil
}

// LoadWorld rebuilds the saved world and returns it with the last tick run.
func (db *DB) LoadWorld() (*ecs.World, uint64, error) {
	tickStr, err := db.GetMeta(MetaLastTick)
	if err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", MetaLastTick, err)
	}
	tick, err := strconv.ParseUint(tickStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", MetaLastTick, err)
	}

	dateStr, err := db.GetMeta(MetaDate)
	if err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", MetaDate, err)
	}
	date, err := calendar.Parse(dateStr)
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", MetaDate, err)
	}

	var nextID uint64
	if s, err := db.GetMeta(MetaNextID); err == nil {
		if nextID, err = strconv.ParseUint(s, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("parse %s: %w", MetaNextID, err)
		}
	}

	var rows []entityRow
	if err := db.conn.Select(&rows,
		"SELECT id, name, tags_json, components_json FROM entities ORDER BY id"); err != nil {
		return nil, 0, fmt.Errorf("load entities: %w", err)
	}
	entities := make([]ecs.Entity, 0, len(rows))
	for _, r := range rows {
		e, err := r.entity()
		if err != nil {
			return nil, 0, err
		}
		entities = append(entities, e)
	}

	var links []ecs.Link
	if err := db.conn.Select(&links,
		"SELECT from_id, relation, to_id FROM relations ORDER BY seq"); err != nil {
		return nil, 0, fmt.Errorf("load relations: %w", err)
	}

	w, err := ecs.Restore(date, entities, links, ecs.EntityID(nextID))
	if err != nil {
		return nil, 0, err
	}
	return w, tick, nil
}

// StalledSites returns the sites that were stalled when the world was saved.
// Worlds saved without the list report none.
func (db *DB) StalledSites() ([]ecs.EntityID, error) {
	s, err := db.GetMeta(MetaStalled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", MetaStalled, err)
	}
	var ids []ecs.EntityID
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetaStalled, err)
	}
	return ids, nil
}

// RecentEvents returns the most recent N events, newest first.
func (db *DB) RecentEvents(limit int) ([]engine.Event, error) {
	var events []engine.Event
	err := db.conn.Select(&events,
		"SELECT tick, date, description, category FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	return events, err
}
