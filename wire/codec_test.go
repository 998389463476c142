package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoatdb/stoat/txn"
)

func TestCodec_RoundTrip(t *testing.T) {
	env := NewEnvelope(3)
	env.Request = &Request{
		ForwardTxn: &ForwardTxn{Txn: &txn.Transaction{
			ID:        42,
			Type:      txn.TypeSingleHome,
			WriteSet:  map[txn.Key][]byte{"k": []byte("v")},
			Timestamp: 12345,
			MasterMetadata: map[txn.Key]txn.Metadata{
				"k": {Master: 1, Counter: 2},
			},
		}},
	}

	frame, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Unmarshal(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.Request)
	require.NotNil(t, decoded.Request.ForwardTxn)

	got := decoded.Request.ForwardTxn.Txn
	assert.Equal(t, txn.MachineID(3), decoded.From)
	assert.Equal(t, txn.TxnID(42), got.ID)
	assert.Equal(t, []byte("v"), got.WriteSet["k"])
	assert.Equal(t, uint32(1), got.MasterMetadata["k"].Master)
	assert.Equal(t, int64(12345), got.Timestamp)
}

func TestCodec_SmallFramesAreNotCompressed(t *testing.T) {
	env := NewEnvelope(0)
	env.Request = &Request{Signal: &Signal{}}

	frame, err := Marshal(env)
	require.NoError(t, err)
	assert.Zero(t, frame[0]&flagCompressed)
}

func TestCodec_LargeBatchIsCompressed(t *testing.T) {
	batch := &Batch{ID: 1}
	for i := 0; i < 500; i++ {
		batch.Txns = append(batch.Txns, &txn.Transaction{
			ID:       txn.TxnID(i + 1),
			WriteSet: map[txn.Key][]byte{"key": make([]byte, 64)},
		})
	}
	env := NewEnvelope(0)
	env.Request = &Request{ForwardBatch: &ForwardBatch{Batch: batch, Slot: 9, HasSlot: true}}

	frame, err := Marshal(env)
	require.NoError(t, err)
	assert.NotZero(t, frame[0]&flagCompressed)

	decoded, err := Unmarshal(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.Request.ForwardBatch)
	assert.Equal(t, uint32(9), decoded.Request.ForwardBatch.Slot)
	assert.Len(t, decoded.Request.ForwardBatch.Batch.Txns, 500)
}

func TestCodec_ChecksumMismatchFails(t *testing.T) {
	env := NewEnvelope(0)
	env.Request = &Request{Ping: &Ping{SrcSendTime: 1, Dst: 2}}

	frame, err := Marshal(env)
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xff
	_, err = Unmarshal(frame)
	assert.ErrorContains(t, err, "checksum")
}

func TestCodec_ShortFrameFails(t *testing.T) {
	_, err := Unmarshal([]byte{0x01, 0x02})
	assert.ErrorContains(t, err, "too short")
}
