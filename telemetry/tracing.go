package telemetry

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/txn"
)

// Transaction trace event names. Events are appended to a transaction's
// Events list as it moves through modules; the admin API does not serve
// them.
const (
	EventEnterServer     = "enter_server"
	EventEnterForwarder  = "enter_forwarder"
	EventEnterSequencer  = "enter_sequencer"
	EventEnterLocalBatch = "enter_local_batch"
	EventExitSequencer   = "exit_sequencer_in_batch"
	EventEnterLogManager = "enter_log_manager"
	EventEnterScheduler  = "enter_scheduler"
	EventDispatched      = "dispatched"
	EventReleased        = "released"
)

// Tracer records per-transaction events, suppressing names that match
// any configured disabled pattern.
type Tracer struct {
	disabled []glob.Glob
}

// NewTracer compiles the disabled-event patterns. Invalid patterns are
// rejected at startup.
func NewTracer(disabledPatterns []string) (*Tracer, error) {
	t := &Tracer{}
	for _, p := range disabledPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		t.disabled = append(t.disabled, g)
	}
	return t, nil
}

// Record appends the event to the transaction's trace unless suppressed.
func (t *Tracer) Record(transaction *txn.Transaction, event string) {
	t.RecordAt(transaction, event, time.Now().UnixNano())
}

// RecordAt appends the event with an explicit timestamp. Used where the
// recorded time is a computed quantity rather than "now".
func (t *Tracer) RecordAt(transaction *txn.Transaction, event string, at int64) {
	if transaction == nil {
		return
	}
	for _, g := range t.disabled {
		if g.Match(event) {
			return
		}
	}
	transaction.Events = append(transaction.Events, txn.Event{Name: event, At: at})
	log.Trace().Uint64("txn", uint64(transaction.ID)).Str("event", event).Msg("Trace event")
}
