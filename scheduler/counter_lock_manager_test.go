package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoatdb/stoat/txn"
)

func TestCounterLockManager_GrantsInQueueOrder(t *testing.T) {
	lm := NewCounterLockManager()

	w1 := holderOf(t, newTxn(1, []txn.Key{"k"}, nil))
	w2 := holderOf(t, newTxn(2, []txn.Key{"k"}, nil))
	r3 := holderOf(t, newTxn(3, nil, []txn.Key{"k"}))

	assert.Equal(t, txn.AcquireAcquired, lm.AcceptTxnAndAcquireLocks(w1))
	assert.Equal(t, txn.AcquireWaiting, lm.AcceptTxnAndAcquireLocks(w2))
	assert.Equal(t, txn.AcquireWaiting, lm.AcceptTxnAndAcquireLocks(r3))

	// Strict queue order: releasing w1 grants w2, not the reader behind
	// it.
	assert.Equal(t, []txn.TxnID{2}, lm.ReleaseLocks(w1))
	assert.Equal(t, []txn.TxnID{3}, lm.ReleaseLocks(w2))
	assert.Empty(t, lm.ReleaseLocks(r3))
}

func TestCounterLockManager_ReadersShare(t *testing.T) {
	lm := NewCounterLockManager()

	r1 := holderOf(t, newTxn(1, nil, []txn.Key{"k"}))
	r2 := holderOf(t, newTxn(2, nil, []txn.Key{"k"}))

	assert.Equal(t, txn.AcquireAcquired, lm.AcceptTxnAndAcquireLocks(r1))
	assert.Equal(t, txn.AcquireAcquired, lm.AcceptTxnAndAcquireLocks(r2))
}

func TestCounterLockManager_StaleCounterAborts(t *testing.T) {
	lm := NewCounterLockManager()

	// The key has been remastered once; its counter is 1.
	lm.counters[txn.MakeKeyReplica("k", 0)] = 1

	// A txn routed with counter 0 is stale.
	stale := holderOf(t, newTxn(1, []txn.Key{"k"}, nil))
	assert.Equal(t, txn.AcquireAbort, lm.AcceptTxnAndAcquireLocks(stale))

	// Its queue entries are gone; a fresh txn acquires immediately.
	fresh := newTxn(2, []txn.Key{"k"}, nil)
	fresh.MasterMetadata["k"] = txn.Metadata{Master: 0, Counter: 1}
	assert.Equal(t, txn.AcquireAcquired, lm.AcceptTxnAndAcquireLocks(holderOf(t, fresh)))
}

func TestCounterLockManager_RemasterBumpsCounter(t *testing.T) {
	lm := NewCounterLockManager()

	remaster := newTxn(1, []txn.Key{"k"}, nil)
	remaster.Remaster = &txn.RemasterProcedure{NewMaster: 1}
	h := holderOf(t, remaster)

	require.False(t, lm.AcceptTransaction(h))
	require.Equal(t, txn.AcquireWaiting, lm.AcquireLocks(h))

	newMasterPiece := newTxn(1, []txn.Key{"k"}, nil)
	newMasterPiece.Remaster = &txn.RemasterProcedure{NewMaster: 1, NewMasterLockOnly: true}
	require.Equal(t, txn.AcquireAcquired, lm.AcquireLocks(holderOf(t, newMasterPiece)))

	remaster.Status = txn.StatusCommitted
	lm.ReleaseLocks(h)

	assert.Equal(t, uint32(1), lm.counters[txn.MakeKeyReplica("k", 0)])
}
