package credential

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store handles credential persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a credential store with SQLite backend.
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
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, provider)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// newID generates a new UUIDv7 with a v4 fallback.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Get retrieves the credential for (userID, provider).
func (s *Store) Get(userID, provider string) (*Credential, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, provider, access_token, refresh_token, expires_at, created_at, updated_at
		FROM credentials WHERE user_id = ? AND provider = ?
	`, userID, provider)

	var (
		c         Credential
		expiresAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken,
		&expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid && expiresAt.String != "" {
		if c.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt.String); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &c, nil
}

// Upsert inserts or replaces the credential for (userID, provider).
// The UNIQUE constraint enforces at most one credential per pair; the
// whole write is a single atomic statement.
func (s *Store) Upsert(c *Credential) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()

	var expiresAt *string
	if !c.ExpiresAt.IsZero() {
		e := c.ExpiresAt.Format(time.RFC3339Nano)
		expiresAt = &e
	}

	_, err := s.db.Exec(`
		INSERT INTO credentials (id, user_id, provider, access_token, refresh_token, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.ID, c.UserID, c.Provider, c.AccessToken, c.RefreshToken,
		expiresAt, c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano))

	return err
}

// Delete removes the credential for (userID, provider). Used when the
// user disconnects the provider.
func (s *Store) Delete(userID, provider string) error {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
