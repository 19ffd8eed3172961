package types

// Generation numbers an epoch of on-disk segments. Generation 0 is the base
// (fully merged) layer; newer generations shadow older ones.
type Generation uint64

// BaseGeneration is reserved for merge output.
const BaseGeneration Generation = 0

// RegionAddr is the start address of an allocated storage region.
type RegionAddr uint64

// WaitToken identifies a command position in the durable log stream.
type WaitToken uint64

// Timestamp is a logical MVCC timestamp handed out by a clock.
type Timestamp uint64

// MaxTimestamp is the unbounded "live" read boundary.
const MaxTimestamp = ^Timestamp(0)

// TxnID identifies a transaction inside one engine instance.
type TxnID uint64

// InitMode selects how a store directory is opened.
type InitMode int

const (
	// NewRegion initializes a fresh store and fails if one already exists.
	NewRegion InitMode = iota
	// Resume replays the log of an existing store.
	Resume
)

func (m InitMode) String() string {
	switch m {
	case NewRegion:
		return "NEW_REGION"
	case Resume:
		return "RESUME"
	default:
		return "UNKNOWN"
	}
}
