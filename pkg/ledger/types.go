package ledger

import "time"

// Cap is the in-memory most-recent-first cache size.
const Cap = 100

// Stage classifies where a MissedRecord's block failed.
type Stage string

const (
	StageInputGen Stage = "InputGen"
	StageProving  Stage = "Proving"
	StageUnknown  Stage = "Unknown"
)

// ProvedRecord is a durable, immutable record of a successfully proved block.
type ProvedRecord struct {
	Block           uint64
	ProvedAt        time.Time
	ProvingSeconds  *uint32
	InputGenSeconds *uint32
}

// MissedRecord is a durable, immutable record of a block that terminally
// failed somewhere in the pipeline.
type MissedRecord struct {
	Block    uint64
	FailedAt time.Time
	Stage    Stage
	Reason   string
}

// AddResult is the tri-state outcome of an Add call.
type AddResult int

const (
	Added AddResult = iota
	Duplicate
	AddFailed
)
