package rule

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no rule exists with the requested id.
var ErrNotFound = errors.New("rule: not found")

// watermarkLayout is a fixed-width UTC timestamp. The UpdateWatermark
// guard compares stored watermarks as strings, and RFC3339Nano trims
// trailing zeros, which puts "…01Z" after "…01.5Z" lexicographically.
// Zero-padded nanoseconds keep string order equal to time order.
const watermarkLayout = "2006-01-02T15:04:05.000000000Z"

// Store handles rule persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a rule store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		trigger_provider TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		trigger_params TEXT NOT NULL,
		reaction_provider TEXT NOT NULL,
		reaction_name TEXT NOT NULL,
		reaction_params TEXT NOT NULL,
		watermark TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_user_id ON rules(user_id);
	CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Create persists a new rule.
func (s *Store) Create(r *Rule) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = time.Now()

	triggerParams, err := json.Marshal(r.Trigger.Params)
	if err != nil {
		return fmt.Errorf("marshal trigger params: %w", err)
	}
	reactionParams, err := json.Marshal(r.Reaction.Params)
	if err != nil {
		return fmt.Errorf("marshal reaction params: %w", err)
	}

	active := 0
	if r.Active {
		active = 1
	}

	var watermark *string
	if r.Watermark != nil {
		w := r.Watermark.UTC().Format(watermarkLayout)
		watermark = &w
	}

	_, err = s.db.Exec(`
		INSERT INTO rules (id, user_id, name, active,
			trigger_provider, trigger_name, trigger_params,
			reaction_provider, reaction_name, reaction_params,
			watermark, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.Name, active,
		r.Trigger.Provider, r.Trigger.Name, string(triggerParams),
		r.Reaction.Provider, r.Reaction.Name, string(reactionParams),
		watermark, r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano))

	return err
}

// Get retrieves a rule by ID.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name, active,
			trigger_provider, trigger_name, trigger_params,
			reaction_provider, reaction_name, reaction_params,
			watermark, created_at, updated_at
		FROM rules WHERE id = ?
	`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns all rules, newest first.
func (s *Store) List() ([]*Rule, error) {
	return s.list(`SELECT id, user_id, name, active,
		trigger_provider, trigger_name, trigger_params,
		reaction_provider, reaction_name, reaction_params,
		watermark, created_at, updated_at
		FROM rules ORDER BY created_at DESC`)
}

// ListActive returns all rules with the active flag set, newest first.
func (s *Store) ListActive() ([]*Rule, error) {
	return s.list(`SELECT id, user_id, name, active,
		trigger_provider, trigger_name, trigger_params,
		reaction_provider, reaction_name, reaction_params,
		watermark, created_at, updated_at
		FROM rules WHERE active = 1 ORDER BY created_at DESC`)
}

func (s *Store) list(query string) ([]*Rule, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// Update persists mutable rule fields: name, active flag, and both
// parameter bags. The trigger/reaction provider and name are fixed at
// creation and deliberately not part of the UPDATE.
func (s *Store) Update(r *Rule) error {
	r.UpdatedAt = time.Now()

	triggerParams, err := json.Marshal(r.Trigger.Params)
	if err != nil {
		return fmt.Errorf("marshal trigger params: %w", err)
	}
	reactionParams, err := json.Marshal(r.Reaction.Params)
	if err != nil {
		return fmt.Errorf("marshal reaction params: %w", err)
	}

	active := 0
	if r.Active {
		active = 1
	}

	res, err := s.db.Exec(`
		UPDATE rules SET name = ?, active = ?, trigger_params = ?, reaction_params = ?, updated_at = ?
		WHERE id = ?
	`, r.Name, active, string(triggerParams), string(reactionParams),
		r.UpdatedAt.Format(time.RFC3339Nano), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWatermark advances a rule's watermark to ts. The guard in the
// WHERE clause keeps the watermark monotonic under concurrent
// processing: a stale writer loses silently instead of moving the
// watermark backward. The whole update is a single atomic statement.
func (s *Store) UpdateWatermark(id string, ts time.Time) error {
	w := ts.UTC().Format(watermarkLayout)
	_, err := s.db.Exec(`
		UPDATE rules SET watermark = ?, updated_at = ?
		WHERE id = ? AND (watermark IS NULL OR watermark <= ?)
	`, w, time.Now().Format(time.RFC3339Nano), id, w)
	return err
}

// Delete removes a rule.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*Rule, error) {
	var (
		r              Rule
		active         int
		triggerParams  string
		reactionParams string
		watermark      sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := sc.Scan(&r.ID, &r.UserID, &r.Name, &active,
		&r.Trigger.Provider, &r.Trigger.Name, &triggerParams,
		&r.Reaction.Provider, &r.Reaction.Name, &reactionParams,
		&watermark, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Active = active != 0

	if err := json.Unmarshal([]byte(triggerParams), &r.Trigger.Params); err != nil {
		return nil, fmt.Errorf("unmarshal trigger params: %w", err)
	}
	if err := json.Unmarshal([]byte(reactionParams), &r.Reaction.Params); err != nil {
		return nil, fmt.Errorf("unmarshal reaction params: %w", err)
	}

	if watermark.Valid {
		ts, err := time.Parse(time.RFC3339Nano, watermark.String)
		if err != nil {
			return nil, fmt.Errorf("parse watermark: %w", err)
		}
		r.Watermark = &ts
	}

	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &r, nil
}
