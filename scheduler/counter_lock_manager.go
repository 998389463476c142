package scheduler

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/txn"
)

// CounterLockManager is the counter-based remaster variant: locks are
// granted in strict per-key queue order, so no deadlock can form among
// single-home transactions, and remaster freshness is validated against
// per-key counters. A transaction whose metadata carries a stale counter
// is aborted for restart rather than queued.
type CounterLockManager struct {
	mu sync.Mutex

	lockTable map[txn.KeyReplica]*lockQueue
	counters  map[txn.KeyReplica]uint32

	txnInfo map[txn.TxnID]*counterTxnInfo
}

type queueEntry struct {
	id   txn.TxnID
	mode txn.LockMode
}

type lockQueue struct {
	entries []queueEntry
}

// granted reports whether the entry at index i is compatible with every
// entry ahead of it.
func (q *lockQueue) granted(i int) bool {
	for j := 0; j < i; j++ {
		if q.entries[j].mode == txn.LockModeWrite || q.entries[i].mode == txn.LockModeWrite {
			return false
		}
	}
	return true
}

type counterTxnInfo struct {
	unarrivedLockRequests int
	numLocksWaited        int
	keys                  []txn.KeyReplica
	remaster              bool
}

func (i *counterTxnInfo) isReady() bool {
	return i.unarrivedLockRequests == 0 && i.numLocksWaited == 0
}

// NewCounterLockManager creates the counter-based manager.
func NewCounterLockManager() *CounterLockManager {
	return &CounterLockManager{
		lockTable: make(map[txn.KeyReplica]*lockQueue),
		counters:  make(map[txn.KeyReplica]uint32),
		txnInfo:   make(map[txn.TxnID]*counterTxnInfo),
	}
}

// AcceptTransaction registers the expected lock requests of a txn.
func (lm *CounterLockManager) AcceptTransaction(h *txn.Holder) bool {
	if len(h.KeysInPartition()) == 0 {
		log.Fatal().Uint64("txn", uint64(h.Txn().ID)).Msg("Empty txn should not have reached lock manager")
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	info := lm.ensureLocked(h.Txn().ID)
	if h.Txn().IsRemaster() {
		info.unarrivedLockRequests += 2
	} else {
		info.unarrivedLockRequests += len(h.KeysInPartition())
	}
	return info.isReady()
}

// AcquireLocks validates remaster counters, then queues every lock
// request in arrival order. Incompatible requests wait for the queue
// ahead of them.
func (lm *CounterLockManager) AcquireLocks(h *txn.Holder) txn.AcquireLocksResult {
	if len(h.KeysInPartition()) == 0 {
		log.Fatal().Uint64("txn", uint64(h.Txn().ID)).Msg("Empty txn should not have reached lock manager")
	}
	t := h.Txn()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	info := lm.ensureLocked(t.ID)
	info.remaster = t.IsRemaster()

	var requests []lockRequest
	if t.IsRemaster() {
		km := h.KeysInPartition()[0]
		master := t.MasterMetadata[km.Key].Master
		if t.Remaster.NewMasterLockOnly {
			master = t.Remaster.NewMaster
		}
		requests = append(requests, lockRequest{
			keyReplica: txn.MakeKeyReplica(km.Key, master),
			mode:       txn.LockModeWrite,
		})
	} else {
		for _, km := range h.KeysInPartition() {
			meta := t.MasterMetadata[km.Key]
			keyReplica := txn.MakeKeyReplica(km.Key, meta.Master)
			// A stale counter means the key was remastered after this txn
			// was routed; it must restart with fresh metadata.
			if meta.Counter < lm.counters[keyReplica] {
				lm.dropTxnLocked(t.ID, info)
				return txn.AcquireAbort
			}
			requests = append(requests, lockRequest{keyReplica: keyReplica, mode: km.Mode})
		}
	}

	info.unarrivedLockRequests -= len(requests)
	for _, req := range requests {
		queue, ok := lm.lockTable[req.keyReplica]
		if !ok {
			queue = &lockQueue{}
			lm.lockTable[req.keyReplica] = queue
		}
		queue.entries = append(queue.entries, queueEntry{id: t.ID, mode: req.mode})
		info.keys = append(info.keys, req.keyReplica)
		if !queue.granted(len(queue.entries) - 1) {
			info.numLocksWaited++
		}
	}

	if info.isReady() {
		return txn.AcquireAcquired
	}
	return txn.AcquireWaiting
}

// AcceptTxnAndAcquireLocks runs the two in order.
func (lm *CounterLockManager) AcceptTxnAndAcquireLocks(h *txn.Holder) txn.AcquireLocksResult {
	lm.AcceptTransaction(h)
	return lm.AcquireLocks(h)
}

// ReleaseLocks removes the txn from every queue it joined, grants the
// requests that became compatible, bumps remaster counters, and returns
// the newly ready transactions.
func (lm *CounterLockManager) ReleaseLocks(h *txn.Holder) []txn.TxnID {
	t := h.Txn()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	info, ok := lm.txnInfo[t.ID]
	if !ok {
		return nil
	}
	if !info.isReady() {
		log.Fatal().Uint64("txn", uint64(t.ID)).Msg("Releasing unready txn is forbidden")
	}

	if info.remaster && t.Status != txn.StatusAborted {
		for _, keyReplica := range info.keys {
			lm.counters[keyReplica]++
		}
	}

	readySet := make(map[txn.TxnID]struct{})
	for _, keyReplica := range info.keys {
		queue := lm.lockTable[keyReplica]
		if queue == nil {
			continue
		}
		// Remember who was blocked before removal.
		blockedBefore := make(map[txn.TxnID]struct{})
		for i := range queue.entries {
			if !queue.granted(i) {
				blockedBefore[queue.entries[i].id] = struct{}{}
			}
		}

		kept := queue.entries[:0]
		for _, e := range queue.entries {
			if e.id != t.ID {
				kept = append(kept, e)
			}
		}
		queue.entries = kept

		for i := range queue.entries {
			id := queue.entries[i].id
			if _, wasBlocked := blockedBefore[id]; !wasBlocked {
				continue
			}
			if !queue.granted(i) {
				continue
			}
			waiter := lm.txnInfo[id]
			if waiter == nil {
				log.Error().Uint64("txn", uint64(id)).Msg("Blocked txn does not exist")
				continue
			}
			waiter.numLocksWaited--
			delete(blockedBefore, id)
			if waiter.isReady() {
				readySet[id] = struct{}{}
			}
		}
	}
	delete(lm.txnInfo, t.ID)

	result := make([]txn.TxnID, 0, len(readySet))
	for id := range readySet {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// GetReadyTxns is empty for this manager: every grant happens inside
// AcquireLocks or ReleaseLocks.
func (lm *CounterLockManager) GetReadyTxns() []txn.TxnID { return nil }

// Stats renders the manager's counters.
func (lm *CounterLockManager) Stats(level uint32) *Stats {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	stats := &Stats{NumTxnsWaitingForLock: len(lm.txnInfo)}
	if level >= 1 {
		for id, info := range lm.txnInfo {
			stats.WaitingPerTxn = append(stats.WaitingPerTxn, TxnWaitStat{
				TxnID:         id,
				NumWaitingFor: info.numLocksWaited,
			})
		}
		sort.Slice(stats.WaitingPerTxn, func(i, j int) bool {
			return stats.WaitingPerTxn[i].TxnID < stats.WaitingPerTxn[j].TxnID
		})
	}
	return stats
}

func (lm *CounterLockManager) ensureLocked(id txn.TxnID) *counterTxnInfo {
	info, ok := lm.txnInfo[id]
	if !ok {
		info = &counterTxnInfo{}
		lm.txnInfo[id] = info
	}
	return info
}

// dropTxnLocked removes an aborting txn's queue entries and bookkeeping.
func (lm *CounterLockManager) dropTxnLocked(id txn.TxnID, info *counterTxnInfo) {
	for _, keyReplica := range info.keys {
		queue := lm.lockTable[keyReplica]
		if queue == nil {
			continue
		}
		kept := queue.entries[:0]
		for _, e := range queue.entries {
			if e.id != id {
				kept = append(kept, e)
			}
		}
		queue.entries = kept
	}
	delete(lm.txnInfo, id)
}
