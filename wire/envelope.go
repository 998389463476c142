package wire

import (
	"github.com/stoatdb/stoat/txn"
)

// Envelope is the unit of exchange between modules. Exactly one of
// Request or Response is set.
type Envelope struct {
	From     txn.MachineID `msgpack:"from"`
	Request  *Request      `msgpack:"req,omitempty"`
	Response *Response     `msgpack:"res,omitempty"`
}

// Request carries exactly one request variant.
type Request struct {
	ForwardTxn   *ForwardTxn   `msgpack:"fwd,omitempty"`
	ForwardBatch *ForwardBatch `msgpack:"batch,omitempty"`
	Ping         *Ping         `msgpack:"ping,omitempty"`
	Signal       *Signal       `msgpack:"sig,omitempty"`
	Stats        *StatsRequest `msgpack:"stats,omitempty"`
}

// Response carries exactly one response variant.
type Response struct {
	Pong  *Pong          `msgpack:"pong,omitempty"`
	Stats *StatsResponse `msgpack:"stats,omitempty"`
}

// ForwardTxn moves a transaction toward its home sequencer.
type ForwardTxn struct {
	Txn *txn.Transaction `msgpack:"txn"`
}

// Batch is a numbered run of transactions produced by the batcher. The
// ordering layer assigns each batch a slot; slots are consumed in order
// through the commit log.
type Batch struct {
	ID                uint32             `msgpack:"id"`
	Txns              []*txn.Transaction `msgpack:"txns"`
	HomeReplica       uint32             `msgpack:"home"`
	CreatedAtUnixNano int64              `msgpack:"at"`
}

// ForwardBatch carries a batch plus its position in the global order, if
// already assigned.
type ForwardBatch struct {
	Batch *Batch `msgpack:"b"`
	// Slot is the position assigned by the ordering layer; valid only when
	// HasSlot is set.
	Slot    uint32 `msgpack:"slot"`
	HasSlot bool   `msgpack:"has_slot"`
}

// Ping asks a sequencer for its clock-skew estimate toward us.
type Ping struct {
	SrcSendTime int64         `msgpack:"t"`
	Dst         txn.MachineID `msgpack:"dst"`
}

// Pong answers a Ping with the sliding-mean deviation of the source.
type Pong struct {
	SrcSendTime int64         `msgpack:"t"`
	Dev         int64         `msgpack:"dev"`
	Dst         txn.MachineID `msgpack:"dst"`
}

// Signal is an empty wakeup message.
type Signal struct{}

// StatsRequest asks a module for its runtime stats at the given
// verbosity level.
type StatsRequest struct {
	Level uint32 `msgpack:"lvl"`
}

// StatsResponse carries a module's stats as pre-rendered JSON.
type StatsResponse struct {
	JSON []byte `msgpack:"json"`
}

// NewEnvelope returns an envelope stamped with the sender.
func NewEnvelope(from txn.MachineID) *Envelope {
	return &Envelope{From: from}
}
