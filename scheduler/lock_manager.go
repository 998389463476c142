package scheduler

import (
	"fmt"
	"time"

	"github.com/stoatdb/stoat/notify"
	"github.com/stoatdb/stoat/txn"
)

// LockManager is the scheduler's lock API. Two implementations exist,
// chosen at construction: the deadlock-resolving manager (DDR) and the
// counter-based remaster manager, which grants in strict queue order and
// aborts stale remasters instead of tracking a wait-for graph.
type LockManager interface {
	// AcceptTransaction registers the expected lock requests of a txn and
	// reports whether it is already ready.
	AcceptTransaction(h *txn.Holder) bool

	// AcquireLocks requests all locks the local partition needs for the
	// txn and reports whether it acquired them, waits, or must abort.
	AcquireLocks(h *txn.Holder) txn.AcquireLocksResult

	// AcceptTxnAndAcquireLocks runs the two in order.
	AcceptTxnAndAcquireLocks(h *txn.Holder) txn.AcquireLocksResult

	// ReleaseLocks releases everything the txn holds and returns the
	// transactions that became ready as a result.
	ReleaseLocks(h *txn.Holder) []txn.TxnID

	// GetReadyTxns drains the list of transactions made ready outside the
	// caller's own AcquireLocks/ReleaseLocks calls (e.g. by the deadlock
	// resolver).
	GetReadyTxns() []txn.TxnID

	// Stats reports runtime counters; higher levels include per-txn and
	// per-key detail.
	Stats(level uint32) *Stats
}

// Stats is the lock manager's introspection surface, rendered to JSON by
// the admin server.
type Stats struct {
	NumTxnsWaitingForLock int              `json:"num_txns_waiting_for_lock"`
	DeadlocksResolved     uint64           `json:"deadlocks_resolved"`
	WaitingPerTxn         []TxnWaitStat    `json:"waiting_per_txn,omitempty"`
	LockTable             []LockTableEntry `json:"lock_table,omitempty"`
}

// TxnWaitStat is one txn's waiting-for count.
type TxnWaitStat struct {
	TxnID         txn.TxnID `json:"txn_id"`
	NumWaitingFor int       `json:"num_waiting_for"`
}

// LockTableEntry is one key-replica's queue tail.
type LockTableEntry struct {
	KeyReplica     txn.KeyReplica `json:"key_replica"`
	WriteRequester txn.TxnID      `json:"write_requester"`
	ReadRequesters []txn.TxnID    `json:"read_requesters"`
}

// Manager kinds, as configured by scheduler.lock_manager.
const (
	KindDDR             = "ddr"
	KindRemasterCounter = "remaster_counter"
)

// New constructs the configured lock manager. The DDR manager signals
// resolver-produced ready txns through hub and wakes every ddrInterval
// once its resolver is started.
func New(kind string, hub *notify.Hub, ddrInterval time.Duration) (LockManager, error) {
	switch kind {
	case KindDDR:
		return NewDDRLockManager(hub, ddrInterval), nil
	case KindRemasterCounter:
		return NewCounterLockManager(), nil
	default:
		return nil, fmt.Errorf("unknown lock manager kind: %q", kind)
	}
}
