package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stoatdb/stoat/txn"
)

// localPartitioner maps every key to the local partition.
type localPartitioner struct{}

func (localPartitioner) PartitionOfKey(txn.Key) uint32 { return 0 }
func (localPartitioner) LocalPartition() uint32        { return 0 }

// newTxn builds a single-home transaction writing writes and reading
// reads, all keys mastered at replica 0.
func newTxn(id txn.TxnID, writes, reads []txn.Key) *txn.Transaction {
	t := &txn.Transaction{
		ID:             id,
		Type:           txn.TypeSingleHome,
		ReadSet:        make(map[txn.Key][]byte),
		WriteSet:       make(map[txn.Key][]byte),
		MasterMetadata: make(map[txn.Key]txn.Metadata),
	}
	for _, k := range writes {
		t.WriteSet[k] = []byte("v")
		t.MasterMetadata[k] = txn.Metadata{Master: 0}
	}
	for _, k := range reads {
		t.ReadSet[k] = nil
		t.MasterMetadata[k] = txn.Metadata{Master: 0}
	}
	return t
}

func holderOf(t *testing.T, transaction *txn.Transaction) *txn.Holder {
	t.Helper()
	h, err := txn.NewHolder(localPartitioner{}, transaction)
	require.NoError(t, err)
	return h
}
