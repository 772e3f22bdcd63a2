// Package ledger provides the durable, capped most-recent-first stores for
// proved and missed blocks. Both ledgers share one sqlite
// file with two disjoint tables, each owned by its own ledger actor.
package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the shared sqlite connection backing both ledgers.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates (or opens) the sqlite database at path and applies
// migrations. path may be ":memory:" for tests.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Ledger] ", log.LstdFlags)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	// A single shared-writer sqlite file serializes writes at the driver
	// level; one connection avoids SQLITE_BUSY under our actor model where
	// each ledger already serializes its own writes.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		s.logger.Printf("applied migration %s", name)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations as a *sqlite.Error
	// whose Error() text names the constraint; matching on substring keeps
	// this store decoupled from the driver's internal error type.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
