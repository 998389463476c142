// Package id issues transaction identifiers.
package id

import (
	"github.com/stoatdb/stoat/hlc"
	"github.com/stoatdb/stoat/txn"
)

// Generator provides unique transaction ids, monotonically increasing in
// generation order across the cluster.
type Generator interface {
	NextTxnID() txn.TxnID
}

// HLCGenerator backs ids with the hybrid logical clock. Thread-safe via
// the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a generator on the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextTxnID generates the next id. The sentinel value is never produced:
// the logical counter starts at 1.
func (g *HLCGenerator) NextTxnID() txn.TxnID {
	return txn.TxnID(g.clock.Now().ToTxnID())
}
