package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoatdb/stoat/notify"
	"github.com/stoatdb/stoat/txn"
)

// buildTwoCycle drives the lock manager into the wait-for cycle
// T1 ⇄ T2: T1 writes a and reads b, T2 writes b and reads a, with the
// lock-only pieces interleaved so each claims its write before seeing
// the other's.
func buildTwoCycle(t *testing.T, lm *DDRLockManager) {
	t.Helper()

	full1 := newTxn(1, []txn.Key{"a"}, []txn.Key{"b"})
	full2 := newTxn(2, []txn.Key{"b"}, []txn.Key{"a"})
	require.False(t, lm.AcceptTransaction(holderOf(t, full1)))
	require.False(t, lm.AcceptTransaction(holderOf(t, full2)))

	require.Equal(t, txn.AcquireWaiting, lm.AcquireLocks(holderOf(t, newTxn(1, []txn.Key{"a"}, nil))))
	require.Equal(t, txn.AcquireWaiting, lm.AcquireLocks(holderOf(t, newTxn(2, []txn.Key{"b"}, nil))))
	require.Equal(t, txn.AcquireWaiting, lm.AcquireLocks(holderOf(t, newTxn(1, nil, []txn.Key{"b"}))))
	require.Equal(t, txn.AcquireWaiting, lm.AcquireLocks(holderOf(t, newTxn(2, nil, []txn.Key{"a"}))))
}

func TestDeadlockResolver_TwoCycle(t *testing.T) {
	hub := notify.NewHub()
	signal, cancel := hub.Subscribe()
	defer cancel()

	lm := NewDDRLockManager(hub, time.Millisecond)
	buildTwoCycle(t, lm)

	r := newDeadlockResolver(lm)
	assert.True(t, r.Loop())

	// Sorted order is T1 < T2; the cycle is rewritten into the path
	// T2 → T1, so T1 becomes ready and is published.
	assert.Equal(t, []txn.TxnID{1}, lm.GetReadyTxns())
	select {
	case <-signal:
	default:
		t.Fatal("resolver did not signal")
	}

	lm.mutTxnInfo.Lock()
	assert.Equal(t, 0, lm.txnInfo[1].NumWaitingFor)
	assert.Equal(t, 1, lm.txnInfo[2].NumWaitingFor)
	lm.mutTxnInfo.Unlock()

	// Releasing T1 readies T2.
	ready := lm.ReleaseLocks(holderOf(t, newTxn(1, []txn.Key{"a"}, []txn.Key{"b"})))
	assert.Equal(t, []txn.TxnID{2}, ready)
}

func TestDeadlockResolver_TwoCycleEdgeAccounting(t *testing.T) {
	lm := newTestDDRManager()
	buildTwoCycle(t, lm)

	r := newDeadlockResolver(lm)
	require.True(t, r.Loop())

	lm.mutTxnInfo.Lock()
	defer lm.mutTxnInfo.Unlock()

	// Every intra-component edge was either redirected or removed: T1
	// keeps exactly one live unblock edge (toward T2) and T2 keeps none.
	liveEdges := func(info *TxnInfo) []txn.TxnID {
		var out []txn.TxnID
		for _, id := range info.WaitedBy {
			if id != txn.SentinelTxnID {
				out = append(out, id)
			}
		}
		return out
	}
	assert.Equal(t, []txn.TxnID{2}, liveEdges(lm.txnInfo[1]))
	assert.Empty(t, liveEdges(lm.txnInfo[2]))
}

func TestDeadlockResolver_IncompleteMemberBlocksResolution(t *testing.T) {
	lm := newTestDDRManager()

	// Cycle T1 → T2 → T3 → T1 in the waited-by encoding; T3 is still
	// missing a lock request.
	lm.mutTxnInfo.Lock()
	lm.txnInfo[1] = &TxnInfo{ID: 1, NumWaitingFor: 1, WaitedBy: []txn.TxnID{2}}
	lm.txnInfo[2] = &TxnInfo{ID: 2, NumWaitingFor: 1, WaitedBy: []txn.TxnID{3}}
	lm.txnInfo[3] = &TxnInfo{ID: 3, NumWaitingFor: 1, UnarrivedLockRequests: 1, WaitedBy: []txn.TxnID{1}}
	lm.mutTxnInfo.Unlock()

	r := newDeadlockResolver(lm)
	assert.False(t, r.Loop())
	assert.Empty(t, lm.GetReadyTxns())

	// The graph is untouched.
	lm.mutTxnInfo.Lock()
	assert.Equal(t, []txn.TxnID{2}, lm.txnInfo[1].WaitedBy)
	assert.Equal(t, []txn.TxnID{3}, lm.txnInfo[2].WaitedBy)
	assert.Equal(t, []txn.TxnID{1}, lm.txnInfo[3].WaitedBy)
	lm.mutTxnInfo.Unlock()

	// Completing T3 makes the component stable on the next pass.
	lm.mutTxnInfo.Lock()
	lm.txnInfo[3].UnarrivedLockRequests = 0
	lm.mutTxnInfo.Unlock()

	assert.True(t, r.Loop())
	assert.Equal(t, []txn.TxnID{1}, lm.GetReadyTxns())
}

func TestDeadlockResolver_ThreeCycleRewrite(t *testing.T) {
	lm := newTestDDRManager()

	lm.mutTxnInfo.Lock()
	lm.txnInfo[1] = &TxnInfo{ID: 1, NumWaitingFor: 1, WaitedBy: []txn.TxnID{2}}
	lm.txnInfo[2] = &TxnInfo{ID: 2, NumWaitingFor: 1, WaitedBy: []txn.TxnID{3}}
	lm.txnInfo[3] = &TxnInfo{ID: 3, NumWaitingFor: 1, WaitedBy: []txn.TxnID{1}}
	lm.mutTxnInfo.Unlock()

	r := newDeadlockResolver(lm)
	require.True(t, r.Loop())

	// Waiting order after rewrite: 3 waits for 2 waits for 1, encoded as
	// unblock edges 1 → 2 → 3.
	lm.mutTxnInfo.Lock()
	assert.Equal(t, 0, lm.txnInfo[1].NumWaitingFor)
	assert.Equal(t, 1, lm.txnInfo[2].NumWaitingFor)
	assert.Equal(t, 1, lm.txnInfo[3].NumWaitingFor)
	assert.Equal(t, []txn.TxnID{2}, lm.txnInfo[1].WaitedBy)
	assert.Equal(t, []txn.TxnID{3}, lm.txnInfo[2].WaitedBy)
	assert.Equal(t, []txn.TxnID{txn.SentinelTxnID}, lm.txnInfo[3].WaitedBy)
	lm.mutTxnInfo.Unlock()

	assert.Equal(t, []txn.TxnID{1}, lm.GetReadyTxns())
}

func TestDeadlockResolver_DeterministicAcrossReplicas(t *testing.T) {
	// Two managers receive the same wait-for graph built in different
	// orders; both must resolve to identical state.
	build := func(order []int) *DDRLockManager {
		lm := newTestDDRManager()
		lm.mutTxnInfo.Lock()
		infos := map[int]*TxnInfo{
			1: {ID: 1, NumWaitingFor: 1, WaitedBy: []txn.TxnID{3}},
			2: {ID: 2, NumWaitingFor: 1, WaitedBy: []txn.TxnID{1}},
			3: {ID: 3, NumWaitingFor: 1, WaitedBy: []txn.TxnID{2}},
		}
		for _, i := range order {
			lm.txnInfo[txn.TxnID(i)] = infos[i]
		}
		lm.mutTxnInfo.Unlock()
		return lm
	}

	a := build([]int{1, 2, 3})
	b := build([]int{3, 1, 2})
	require.True(t, newDeadlockResolver(a).Loop())
	require.True(t, newDeadlockResolver(b).Loop())

	a.mutTxnInfo.Lock()
	b.mutTxnInfo.Lock()
	for id := txn.TxnID(1); id <= 3; id++ {
		assert.Equal(t, a.txnInfo[id].NumWaitingFor, b.txnInfo[id].NumWaitingFor, "txn %d", id)
		assert.Equal(t, a.txnInfo[id].WaitedBy, b.txnInfo[id].WaitedBy, "txn %d", id)
	}
	b.mutTxnInfo.Unlock()
	a.mutTxnInfo.Unlock()

	assert.Equal(t, a.GetReadyTxns(), b.GetReadyTxns())
}

func TestDeadlockResolver_SuffixAddedDuringPassIsPreserved(t *testing.T) {
	lm := newTestDDRManager()
	buildTwoCycle(t, lm)

	r := newDeadlockResolver(lm)
	r.takeSnapshot()

	// While the pass runs, a new txn T9 starts waiting on T1.
	lm.mutTxnInfo.Lock()
	lm.txnInfo[9] = &TxnInfo{ID: 9, NumWaitingFor: 1}
	lm.txnInfo[1].WaitedBy = append(lm.txnInfo[1].WaitedBy, 9)
	lm.mutTxnInfo.Unlock()

	toBeUpdated, readyTxns, numSCCs := r.analyze()
	require.Equal(t, 1, numSCCs)
	require.Equal(t, []txn.TxnID{1}, readyTxns)
	r.writeBack(toBeUpdated)

	// The suffix edge toward T9 survived the positional overwrite.
	lm.mutTxnInfo.Lock()
	defer lm.mutTxnInfo.Unlock()
	waitedBy := lm.txnInfo[1].WaitedBy
	assert.Equal(t, txn.TxnID(9), waitedBy[len(waitedBy)-1])
	assert.Equal(t, 1, lm.txnInfo[9].NumWaitingFor)
}

func TestDDRLockManager_ResolveDeadlockGuardsOverlap(t *testing.T) {
	lm := newTestDDRManager()
	assert.True(t, lm.ResolveDeadlock())

	// Wait for the one-shot pass to finish, then a second run is allowed.
	require.Eventually(t, func() bool { return lm.ResolveDeadlock() },
		time.Second, time.Millisecond)
	lm.StopDeadlockResolver()
}
