package commitlog

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/publisher"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/wire"
)

// Manager assembles the committed batch stream. Slot-stamped batches may
// arrive in any order — from the ordering layer over the broker, or from
// the local batcher in single-home bypass mode, where arrival order is
// the order and slots are assigned on receipt. Downstream only ever sees
// slots in sequence.
type Manager struct {
	log *AsyncLog[*wire.Batch]

	// remote carries slot-stamped batches from the ordering layer.
	remote <-chan *wire.Envelope
	// local carries the machine's own batches in bypass mode; they are
	// stamped with the next unassigned slot on receipt.
	local <-chan *wire.Batch
	out   chan<- *wire.Batch

	// pub, when non-nil, receives every batch in committed order.
	pub *publisher.Publisher

	// waiters are woken as slots commit.
	waiters *SlotWaitQueue

	nextLocalSlot uint32
}

// NewManager builds the manager. Either input may be nil, as may the
// publisher.
func NewManager(remote <-chan *wire.Envelope, local <-chan *wire.Batch,
	out chan<- *wire.Batch, pub *publisher.Publisher) *Manager {
	return &Manager{
		log:     NewAsyncLog[*wire.Batch](0),
		remote:  remote,
		local:   local,
		out:     out,
		pub:     pub,
		waiters: NewSlotWaitQueue(),
	}
}

// Waiters exposes the slot wait queue so other modules can block until a
// slot has committed.
func (m *Manager) Waiters() *SlotWaitQueue { return m.waiters }

func (m *Manager) Name() string { return "log_manager" }

func (m *Manager) SetUp() error { return nil }

// Loop ingests at most one remote envelope and at most one local batch,
// then drains every batch that is now in order.
func (m *Manager) Loop() bool {
	worked := false

	select {
	case env, ok := <-m.remote:
		if ok {
			m.onEnvelope(env)
			worked = true
		}
	default:
	}

	select {
	case batch, ok := <-m.local:
		if ok {
			m.insert(m.nextLocalSlot, batch)
			m.nextLocalSlot++
			worked = true
		}
	default:
	}

	for m.log.HasNext() {
		slot, batch, err := m.log.Next()
		if err != nil {
			log.Fatal().Err(err).Msg("Commit log dequeue failed")
		}
		m.out <- batch
		m.publish(slot, batch)
		m.waiters.NotifyUpTo(slot)
		worked = true
	}
	telemetry.CommitLogGap.Set(float64(m.log.Len()))

	return worked
}

func (m *Manager) onEnvelope(env *wire.Envelope) {
	if env.Request == nil || env.Request.ForwardBatch == nil {
		log.Error().Msg("Unexpected request type received by log manager")
		return
	}
	fb := env.Request.ForwardBatch
	if !fb.HasSlot {
		log.Error().Uint32("batch", fb.Batch.ID).Msg("Dropping batch without an order slot")
		return
	}
	m.insert(fb.Slot, fb.Batch)
	if fb.Slot >= m.nextLocalSlot {
		m.nextLocalSlot = fb.Slot + 1
	}
}

func (m *Manager) publish(slot uint32, batch *wire.Batch) {
	if m.pub == nil {
		return
	}
	event := publisher.BatchEvent{
		Slot:        slot,
		BatchID:     batch.ID,
		HomeReplica: batch.HomeReplica,
		CommittedAt: time.Now().UnixNano(),
	}
	for _, t := range batch.Txns {
		event.TxnIDs = append(event.TxnIDs, uint64(t.ID))
	}
	m.pub.Publish(event)
}

func (m *Manager) insert(slot uint32, batch *wire.Batch) {
	// A duplicate slot means the ordering layer misbehaved; continuing
	// would let replicas diverge.
	if err := m.log.Insert(slot, batch); err != nil {
		log.Fatal().Err(err).Uint32("slot", slot).Msg("Commit log insert failed")
	}
}
