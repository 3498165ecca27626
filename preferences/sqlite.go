package preferences

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/bindctl/binding"
)

const schema = `CREATE TABLE IF NOT EXISTS modes (
	handle_id TEXT PRIMARY KEY,
	mode      INTEGER NOT NULL
);`

// SQLiteStore persists modes in a SQLite file. It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens or creates the store at path. The database is closed at
// process exit if Close was not called before.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening preferences %s: %w", path, err)
	}

	s, err := NewSQLiteWithDB(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing preferences %s: %w", path, err)
	}

	atexit.Register(func() { s.Close() })

	return s, nil
}

// NewSQLiteWithDB uses an already opened database, creating the table if
// needed.
func NewSQLiteWithDB(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Mode returns the stored mode, or ModeUnset for unknown handles.
func (s *SQLiteStore) Mode(handleID string) (binding.Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return binding.ModeUnset, ErrClosed
	}

	var mode int

	err := s.db.QueryRow(
		"SELECT mode FROM modes WHERE handle_id = ?", handleID,
	).Scan(&mode)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return binding.ModeUnset, nil
	case err != nil:
		return binding.ModeUnset, fmt.Errorf("reading mode of %s: %w",
			handleID, err)
	}

	return binding.Mode(mode), nil
}

// SetMode stores the mode of a handle, replacing any previous value.
func (s *SQLiteStore) SetMode(handleID string, mode binding.Mode) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.Exec(
		`INSERT INTO modes (handle_id, mode) VALUES (?, ?)
		ON CONFLICT(handle_id) DO UPDATE SET mode = excluded.mode`,
		handleID, int(mode),
	)
	if err != nil {
		return fmt.Errorf("writing mode of %s: %w", handleID, err)
	}

	return nil
}

// All returns every stored mode.
func (s *SQLiteStore) All() (map[string]binding.Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT handle_id, mode FROM modes")
	if err != nil {
		return nil, fmt.Errorf("listing modes: %w", err)
	}
	defer rows.Close()

	all := make(map[string]binding.Mode)

	for rows.Next() {
		var (
			id   string
			mode int
		)

		if err := rows.Scan(&id, &mode); err != nil {
			return nil, fmt.Errorf("listing modes: %w", err)
		}

		all[id] = binding.Mode(mode)
	}

	return all, rows.Err()
}

// Close closes the database. Closing twice is allowed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}
