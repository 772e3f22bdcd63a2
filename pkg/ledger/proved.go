package ledger

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
)

// Broadcaster is the realtime fan-out topic a ledger publishes to after a
// successful commit. NotificationSink implements this.
type Broadcaster interface {
	Publish(topic string, payload any)
}

// ProvedLedger is the durable, capped most-recent-first store of
// successful proofs.
type ProvedLedger struct {
	mu     sync.RWMutex
	store  *Store
	cached []ProvedRecord
	set    map[uint64]struct{}
	count  int
	sink   Broadcaster
	logger *log.Logger
}

// NewProvedLedger loads the newest Cap records and the full row count from
// store, then returns a ready-to-use ledger.
func NewProvedLedger(store *Store, sink Broadcaster, logger *log.Logger) (*ProvedLedger, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[ProvedLedger] ", log.LstdFlags)
	}
	l := &ProvedLedger{
		store:  store,
		set:    make(map[uint64]struct{}),
		sink:   sink,
		logger: logger,
	}

	rows, err := store.db.Query(`
		SELECT block_number, proved_at, proving_duration_seconds, input_generation_duration_seconds
		FROM proved_blocks ORDER BY proved_at DESC LIMIT ?`, Cap)
	if err != nil {
		return nil, fmt.Errorf("failed to load proved ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec ProvedRecord
		var proving, inputGen sql.NullInt64
		if err := rows.Scan(&rec.Block, &rec.ProvedAt, &proving, &inputGen); err != nil {
			return nil, fmt.Errorf("failed to scan proved record: %w", err)
		}
		if proving.Valid {
			v := uint32(proving.Int64)
			rec.ProvingSeconds = &v
		}
		if inputGen.Valid {
			v := uint32(inputGen.Int64)
			rec.InputGenSeconds = &v
		}
		l.cached = append(l.cached, rec)
		l.set[rec.Block] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate proved ledger: %w", err)
	}

	var total int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM proved_blocks`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count proved ledger: %w", err)
	}
	l.count = total

	return l, nil
}

// Add records a new proved block. Persistent insert happens before the
// in-memory view is updated, so a failed write never produces a visible
// record.
func (l *ProvedLedger) Add(rec ProvedRecord) (AddResult, error) {
	l.mu.Lock()
	if _, exists := l.set[rec.Block]; exists {
		l.mu.Unlock()
		return Duplicate, nil
	}
	l.mu.Unlock()

	_, err := l.store.db.Exec(`
		INSERT INTO proved_blocks (block_number, proved_at, proving_duration_seconds, input_generation_duration_seconds)
		VALUES (?, ?, ?, ?)`,
		rec.Block, rec.ProvedAt, nullableUint32(rec.ProvingSeconds), nullableUint32(rec.InputGenSeconds))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Duplicate, nil
		}
		return AddFailed, fmt.Errorf("failed to insert proved record: %w", err)
	}

	l.mu.Lock()
	l.set[rec.Block] = struct{}{}
	l.cached = append([]ProvedRecord{rec}, l.cached...)
	if len(l.cached) > Cap {
		dropped := l.cached[Cap:]
		l.cached = l.cached[:Cap]
		for _, d := range dropped {
			delete(l.set, d.Block)
		}
	}
	l.count++
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.Publish("proved_blocks_updated", rec)
	}
	return Added, nil
}

// List returns up to Cap most recent records, newest first.
func (l *ProvedLedger) List() []ProvedRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ProvedRecord, len(l.cached))
	copy(out, l.cached)
	return out
}

// Count returns the total number of persisted records, which may exceed Cap.
func (l *ProvedLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Contains reports whether block has a proved record, checking the full
// backing store so it stays correct beyond the in-memory Cap window.
func (l *ProvedLedger) Contains(block uint64) bool {
	l.mu.RLock()
	if _, ok := l.set[block]; ok {
		l.mu.RUnlock()
		return true
	}
	l.mu.RUnlock()

	var exists int
	err := l.store.db.QueryRow(`SELECT 1 FROM proved_blocks WHERE block_number = ?`, block).Scan(&exists)
	return err == nil
}

// Clear wipes all proved records. For tests only.
func (l *ProvedLedger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.store.db.Exec(`DELETE FROM proved_blocks`); err != nil {
		return fmt.Errorf("failed to clear proved ledger: %w", err)
	}
	l.cached = nil
	l.set = make(map[uint64]struct{})
	l.count = 0
	return nil
}

func nullableUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return *v
}
