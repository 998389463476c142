package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/module"
	"github.com/stoatdb/stoat/notify"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
)

// DDRLockManager grants locks optimistically against per-key queue tails
// and lets deadlocks form; its resolver periodically rewrites stable
// wait-for cycles into a total order, identically on every replica.
//
// Two mutexes only: mutTxnInfo guards the txn info table, mutReadyTxns
// guards the resolver's outbox. The lock table itself is touched only on
// the scheduler goroutine and needs no lock.
type DDRLockManager struct {
	lockTable map[txn.KeyReplica]*LockQueueTail

	mutTxnInfo sync.Mutex
	txnInfo    map[txn.TxnID]*TxnInfo

	mutReadyTxns sync.Mutex
	readyTxns    []txn.TxnID

	deadlocksResolved atomic.Uint64

	hub         *notify.Hub
	ddrInterval time.Duration
	resolver    *module.Runner
}

// NewDDRLockManager creates the manager. The resolver is not started
// until StartDeadlockResolver.
func NewDDRLockManager(hub *notify.Hub, ddrInterval time.Duration) *DDRLockManager {
	return &DDRLockManager{
		lockTable:   make(map[txn.KeyReplica]*LockQueueTail),
		txnInfo:     make(map[txn.TxnID]*TxnInfo),
		hub:         hub,
		ddrInterval: ddrInterval,
	}
}

// AcceptTransaction registers the expected lock requests for the txn: 2
// for a remaster (one per involved master), else the number of keys in
// this partition.
func (lm *DDRLockManager) AcceptTransaction(h *txn.Holder) bool {
	if len(h.KeysInPartition()) == 0 {
		log.Fatal().Uint64("txn", uint64(h.Txn().ID)).Msg("Empty txn should not have reached lock manager")
	}
	t := h.Txn()

	lm.mutTxnInfo.Lock()
	defer lm.mutTxnInfo.Unlock()

	info := lm.ensureTxnInfoLocked(t.ID)
	if t.IsRemaster() {
		// A remaster txn has one key K but locks both (K, old master) and
		// (K, new master).
		info.UnarrivedLockRequests += 2
	} else {
		info.UnarrivedLockRequests += len(h.KeysInPartition())
	}
	return info.IsReady()
}

type lockRequest struct {
	keyReplica txn.KeyReplica
	mode       txn.LockMode
}

// AcquireLocks requests every lock the local partition needs, records the
// wait-for edges toward whoever blocks us, and reports ACQUIRED or
// WAITING.
func (lm *DDRLockManager) AcquireLocks(h *txn.Holder) txn.AcquireLocksResult {
	if len(h.KeysInPartition()) == 0 {
		log.Fatal().Uint64("txn", uint64(h.Txn().ID)).Msg("Empty txn should not have reached lock manager")
	}
	t := h.Txn()

	// Enumerate the locks to request.
	var locksToRequest []lockRequest
	if t.IsRemaster() {
		km := h.KeysInPartition()[0]
		// Lock at the old master on the first piece, at the new master on
		// the new-master lock-only piece.
		master := t.MasterMetadata[km.Key].Master
		if t.Remaster.NewMasterLockOnly {
			master = t.Remaster.NewMaster
		}
		locksToRequest = append(locksToRequest, lockRequest{
			keyReplica: txn.MakeKeyReplica(km.Key, master),
			mode:       txn.LockModeWrite,
		})
	} else {
		for _, km := range h.KeysInPartition() {
			master := t.MasterMetadata[km.Key].Master
			locksToRequest = append(locksToRequest, lockRequest{
				keyReplica: txn.MakeKeyReplica(km.Key, master),
				mode:       km.Mode,
			})
		}
	}

	// Inspect the lock table for whoever blocks us.
	var blockingTxns []txn.TxnID
	for _, req := range locksToRequest {
		tail, ok := lm.lockTable[req.keyReplica]
		if !ok {
			tail = &LockQueueTail{}
			lm.lockTable[req.keyReplica] = tail
		}
		switch req.mode {
		case txn.LockModeRead:
			if blocker, blocked := tail.AcquireReadLock(t.ID); blocked {
				blockingTxns = append(blockingTxns, blocker)
			}
		case txn.LockModeWrite:
			blockingTxns = append(blockingTxns, tail.AcquireWriteLock(t.ID)...)
		default:
			log.Fatal().Str("mode", req.mode.String()).Msg("Invalid lock mode")
		}
	}

	sort.Slice(blockingTxns, func(i, j int) bool { return blockingTxns[i] < blockingTxns[j] })

	lm.mutTxnInfo.Lock()
	defer lm.mutTxnInfo.Unlock()

	info := lm.ensureTxnInfoLocked(t.ID)
	info.UnarrivedLockRequests -= len(locksToRequest)

	var prev txn.TxnID
	for i, blocker := range blockingTxns {
		if i > 0 && blocker == prev {
			continue
		}
		prev = blocker
		if blocker == t.ID {
			continue
		}
		// Requesters returned from the lock table may already have left
		// the lock manager.
		blockerInfo, ok := lm.txnInfo[blocker]
		if !ok {
			continue
		}
		info.NumWaitingFor++
		blockerInfo.WaitedBy = append(blockerInfo.WaitedBy, t.ID)
	}

	if info.IsReady() {
		return txn.AcquireAcquired
	}
	return txn.AcquireWaiting
}

// AcceptTxnAndAcquireLocks runs AcceptTransaction then AcquireLocks.
func (lm *DDRLockManager) AcceptTxnAndAcquireLocks(h *txn.Holder) txn.AcquireLocksResult {
	lm.AcceptTransaction(h)
	return lm.AcquireLocks(h)
}

// ReleaseLocks walks the released txn's waiters, decrements their counts,
// and returns the ones that became ready. Releasing a txn that is not
// ready is a programmer error and fatal.
func (lm *DDRLockManager) ReleaseLocks(h *txn.Holder) []txn.TxnID {
	id := h.Txn().ID

	lm.mutTxnInfo.Lock()
	defer lm.mutTxnInfo.Unlock()

	info, ok := lm.txnInfo[id]
	if !ok {
		return nil
	}
	if !info.IsReady() {
		log.Fatal().Uint64("txn", uint64(id)).Msg("Releasing unready txn is forbidden")
	}

	var result []txn.TxnID
	for _, blockedID := range info.WaitedBy {
		if blockedID == txn.SentinelTxnID {
			continue
		}
		blocked, ok := lm.txnInfo[blockedID]
		if !ok {
			log.Error().Uint64("txn", uint64(blockedID)).Msg("Blocked txn does not exist")
			continue
		}
		blocked.NumWaitingFor--
		// The waited-by list may hold duplicates; the blocked txn only
		// turns ready when its last entry is accounted for.
		if blocked.IsReady() {
			result = append(result, blockedID)
		}
	}
	delete(lm.txnInfo, id)
	telemetry.TxnsWaitingForLock.Dec()
	return result
}

// GetReadyTxns drains the resolver's outbox.
func (lm *DDRLockManager) GetReadyTxns() []txn.TxnID {
	lm.mutReadyTxns.Lock()
	defer lm.mutReadyTxns.Unlock()
	ret := lm.readyTxns
	lm.readyTxns = nil
	return ret
}

// StartDeadlockResolver spawns the resolver loop on its own goroutine.
func (lm *DDRLockManager) StartDeadlockResolver() error {
	lm.resolver = module.NewRunner(newDeadlockResolver(lm), lm.ddrInterval)
	return lm.resolver.Start()
}

// ResolveDeadlock runs one resolver pass out of band, for tests and
// forced runs. Returns false if a pass is already running.
func (lm *DDRLockManager) ResolveDeadlock() bool {
	if lm.resolver == nil {
		lm.resolver = module.NewRunner(newDeadlockResolver(lm), lm.ddrInterval)
	}
	return lm.resolver.StartOnce()
}

// StopDeadlockResolver joins the resolver goroutine. No in-flight pass is
// aborted midway.
func (lm *DDRLockManager) StopDeadlockResolver() {
	if lm.resolver != nil {
		lm.resolver.Stop()
	}
}

// Stats renders the manager's counters. Level 1 adds per-txn waiting
// counts; level 2 adds the full lock table.
func (lm *DDRLockManager) Stats(level uint32) *Stats {
	stats := &Stats{DeadlocksResolved: lm.deadlocksResolved.Load()}

	lm.mutTxnInfo.Lock()
	stats.NumTxnsWaitingForLock = len(lm.txnInfo)
	if level >= 1 {
		for id, info := range lm.txnInfo {
			stats.WaitingPerTxn = append(stats.WaitingPerTxn, TxnWaitStat{
				TxnID:         id,
				NumWaitingFor: info.NumWaitingFor,
			})
		}
	}
	lm.mutTxnInfo.Unlock()

	sort.Slice(stats.WaitingPerTxn, func(i, j int) bool {
		return stats.WaitingPerTxn[i].TxnID < stats.WaitingPerTxn[j].TxnID
	})

	if level >= 2 {
		// The lock table is only safe to read from the scheduler
		// goroutine; stats at this level are served through it.
		for keyReplica, tail := range lm.lockTable {
			entry := LockTableEntry{KeyReplica: keyReplica}
			if writer, ok := tail.WriteLockRequester(); ok {
				entry.WriteRequester = writer
			}
			entry.ReadRequesters = append(entry.ReadRequesters, tail.ReadLockRequesters()...)
			stats.LockTable = append(stats.LockTable, entry)
		}
		sort.Slice(stats.LockTable, func(i, j int) bool {
			return stats.LockTable[i].KeyReplica < stats.LockTable[j].KeyReplica
		})
	}
	return stats
}

func (lm *DDRLockManager) ensureTxnInfoLocked(id txn.TxnID) *TxnInfo {
	info, ok := lm.txnInfo[id]
	if !ok {
		info = &TxnInfo{ID: id}
		lm.txnInfo[id] = info
		telemetry.TxnsWaitingForLock.Inc()
	}
	return info
}
