package ledger

import (
	"fmt"
	"log"
	"sync"
)

// MissedLedger is the durable, capped most-recent-first store of blocks
// that terminally failed somewhere in the pipeline.
type MissedLedger struct {
	mu     sync.RWMutex
	store  *Store
	cached []MissedRecord
	set    map[uint64]struct{}
	count  int
	sink   Broadcaster
	logger *log.Logger
}

// NewMissedLedger loads the newest Cap records and the full row count from
// store, then returns a ready-to-use ledger.
func NewMissedLedger(store *Store, sink Broadcaster, logger *log.Logger) (*MissedLedger, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[MissedLedger] ", log.LstdFlags)
	}
	l := &MissedLedger{
		store:  store,
		set:    make(map[uint64]struct{}),
		sink:   sink,
		logger: logger,
	}

	rows, err := store.db.Query(`
		SELECT block_number, failed_at, stage, reason
		FROM missed_blocks ORDER BY failed_at DESC LIMIT ?`, Cap)
	if err != nil {
		return nil, fmt.Errorf("failed to load missed ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec MissedRecord
		var stage string
		if err := rows.Scan(&rec.Block, &rec.FailedAt, &stage, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan missed record: %w", err)
		}
		rec.Stage = Stage(stage)
		l.cached = append(l.cached, rec)
		l.set[rec.Block] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate missed ledger: %w", err)
	}

	var total int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM missed_blocks`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count missed ledger: %w", err)
	}
	l.count = total

	return l, nil
}

// Add records a new missed block. An empty Stage or Reason is filled with
// the conservative defaults used when the caller has little context about
// the failure.
func (l *MissedLedger) Add(rec MissedRecord) (AddResult, error) {
	if rec.Stage == "" {
		rec.Stage = StageUnknown
	}
	if rec.Reason == "" {
		rec.Reason = "Unknown error"
	}

	l.mu.Lock()
	if _, exists := l.set[rec.Block]; exists {
		l.mu.Unlock()
		return Duplicate, nil
	}
	l.mu.Unlock()

	_, err := l.store.db.Exec(`
		INSERT INTO missed_blocks (block_number, failed_at, stage, reason)
		VALUES (?, ?, ?, ?)`,
		rec.Block, rec.FailedAt, string(rec.Stage), rec.Reason)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Duplicate, nil
		}
		return AddFailed, fmt.Errorf("failed to insert missed record: %w", err)
	}

	l.mu.Lock()
	l.set[rec.Block] = struct{}{}
	l.cached = append([]MissedRecord{rec}, l.cached...)
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
		l.sink.Publish("missed_blocks_updated", rec)
	}
	return Added, nil
}

// List returns up to Cap most recent records, newest first.
func (l *MissedLedger) List() []MissedRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]MissedRecord, len(l.cached))
	copy(out, l.cached)
	return out
}

// Count returns the total number of persisted records, which may exceed Cap.
func (l *MissedLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Contains reports whether block has a missed record, checking the full
// backing store so it stays correct beyond the in-memory Cap window.
func (l *MissedLedger) Contains(block uint64) bool {
	l.mu.RLock()
	if _, ok := l.set[block]; ok {
		l.mu.RUnlock()
		return true
	}
	l.mu.RUnlock()

	var exists int
	err := l.store.db.QueryRow(`SELECT 1 FROM missed_blocks WHERE block_number = ?`, block).Scan(&exists)
	return err == nil
}

// Clear wipes all missed records. For tests only.
func (l *MissedLedger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.store.db.Exec(`DELETE FROM missed_blocks`); err != nil {
		return fmt.Errorf("failed to clear missed ledger: %w", err)
	}
	l.cached = nil
	l.set = make(map[uint64]struct{})
	l.count = 0
	return nil
}
