package scheduler

import "github.com/stoatdb/stoat/txn"

// TxnInfo tracks one transaction's position in the wait-for graph.
//
// NumWaitingFor may double-count: two lock-only pieces of a multi-home
// txn can both report the same blocker. The blocker's WaitedBy then also
// lists the txn twice, so the decrements on release balance exactly.
//
// WaitedBy slots are never compacted. A removed edge is overwritten with
// the sentinel id so the deadlock resolver can rewrite the prefix it
// snapshotted positionally while new edges keep appending behind it.
type TxnInfo struct {
	ID txn.TxnID

	// UnarrivedLockRequests counts the lock requests still expected for
	// this txn (lock-only pieces of a multi-home txn arrive separately).
	UnarrivedLockRequests int

	// NumWaitingFor counts edges other→self currently in the graph.
	NumWaitingFor int

	// WaitedBy lists the transactions blocked on self.
	WaitedBy []txn.TxnID
}

// IsComplete reports whether every expected lock request has arrived.
func (i *TxnInfo) IsComplete() bool { return i.UnarrivedLockRequests == 0 }

// IsReady reports whether the txn can be dispatched: complete and not
// waiting on anyone. A txn is dispatched exactly once, the instant this
// first becomes true.
func (i *TxnInfo) IsReady() bool { return i.IsComplete() && i.NumWaitingFor == 0 }

// clone deep-copies the info for the resolver's snapshot.
func (i *TxnInfo) clone() *TxnInfo {
	waitedBy := make([]txn.TxnID, len(i.WaitedBy))
	copy(waitedBy, i.WaitedBy)
	return &TxnInfo{
		ID:                    i.ID,
		UnarrivedLockRequests: i.UnarrivedLockRequests,
		NumWaitingFor:         i.NumWaitingFor,
		WaitedBy:              waitedBy,
	}
}
