package scheduler

import "github.com/stoatdb/stoat/txn"

// LockQueueTail is the informative tail of a key-replica's conceptual
// lock queue: who the next arriving request must wait for, not the whole
// history. A writer only waits for whatever is behind the prior writer,
// never for all past holders.
type LockQueueTail struct {
	writeLockRequester txn.TxnID // SentinelTxnID when absent
	readLockRequesters []txn.TxnID
}

// AcquireReadLock appends t to the pending readers and returns the
// current write requester, the single blocker this reader must wait for.
func (q *LockQueueTail) AcquireReadLock(t txn.TxnID) (txn.TxnID, bool) {
	q.readLockRequesters = append(q.readLockRequesters, t)
	if q.writeLockRequester == txn.SentinelTxnID {
		return 0, false
	}
	return q.writeLockRequester, true
}

// AcquireWriteLock returns the set t must wait on, then claims the tail:
// the pending readers if there are any, else the prior writer.
func (q *LockQueueTail) AcquireWriteLock(t txn.TxnID) []txn.TxnID {
	var deps []txn.TxnID
	if len(q.readLockRequesters) == 0 {
		if q.writeLockRequester != txn.SentinelTxnID {
			deps = append(deps, q.writeLockRequester)
		}
	} else {
		deps = append(deps, q.readLockRequesters...)
		q.readLockRequesters = q.readLockRequesters[:0]
	}
	q.writeLockRequester = t
	return deps
}

// WriteLockRequester returns the current write requester, if any.
func (q *LockQueueTail) WriteLockRequester() (txn.TxnID, bool) {
	if q.writeLockRequester == txn.SentinelTxnID {
		return 0, false
	}
	return q.writeLockRequester, true
}

// ReadLockRequesters returns the pending readers.
func (q *LockQueueTail) ReadLockRequesters() []txn.TxnID {
	return q.readLockRequesters
}
