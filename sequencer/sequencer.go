package sequencer

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
	"github.com/stoatdb/stoat/wire"
)

// Sender delivers an envelope to a (machine, channel) destination.
// Implemented by broker.Broker.
type Sender interface {
	Send(env *wire.Envelope, to txn.MachineID, channel wire.Channel) error
}

// Sequencer gates forwarded transactions on their timestamps and feeds
// the batcher. With synchronized batching on, a transaction whose
// timestamp is still in the future waits in the batcher's buffer until
// the local clock reaches it; past transactions enter the current batch
// immediately. Each source machine's clock deviation is tracked to
// answer pings.
type Sequencer struct {
	config  *cfg.Configuration
	batcher *Batcher
	devs    *DeviationTracker
	tracer  *telemetry.Tracer
	sender  Sender

	// restartPastTxns marks past-timestamped transactions aborted for
	// restart instead of running them late. The deadlock-resolving lock
	// manager tolerates late arrivals, so it keeps this off; the
	// counter-based manager does not.
	restartPastTxns bool

	in <-chan *wire.Envelope
}

// New creates a sequencer consuming envelopes from in.
func New(config *cfg.Configuration, batcher *Batcher, tracer *telemetry.Tracer,
	sender Sender, in <-chan *wire.Envelope) *Sequencer {
	return &Sequencer{
		config:          config,
		batcher:         batcher,
		devs:            NewDeviationTracker(),
		tracer:          tracer,
		sender:          sender,
		restartPastTxns: config.Scheduler.LockManager != "ddr",
		in:              in,
	}
}

func (s *Sequencer) Name() string { return "sequencer" }

// SetUp starts the batcher alongside.
func (s *Sequencer) SetUp() error {
	s.batcher.Start()
	return nil
}

// Loop drains one envelope if available.
func (s *Sequencer) Loop() bool {
	select {
	case env, ok := <-s.in:
		if !ok {
			return false
		}
		s.onEnvelope(env)
		return true
	default:
		return false
	}
}

// Stop tears the batcher down.
func (s *Sequencer) Stop() {
	s.batcher.Stop()
}

func (s *Sequencer) onEnvelope(env *wire.Envelope) {
	if env.Request == nil {
		log.Error().Msg("Unexpected response received by sequencer")
		return
	}
	switch {
	case env.Request.ForwardTxn != nil:
		s.processForwardTxn(env.From, env.Request.ForwardTxn.Txn)
	case env.Request.Ping != nil:
		s.processPing(env.From, env.Request.Ping)
	default:
		log.Error().Msg("Unexpected request type received by sequencer")
	}
}

func (s *Sequencer) processForwardTxn(from txn.MachineID, t *txn.Transaction) {
	now := time.Now().UnixNano()
	s.tracer.Record(t, telemetry.EventEnterSequencer)

	if !s.config.BypassMHOrderer || !s.config.Sequencer.SynchronizedBatching {
		s.batcher.Enqueue(t)
		return
	}

	dev := t.Timestamp - now
	telemetry.ClockDeviationSeconds.Observe(float64(abs64(dev)) / float64(time.Second))
	if dev <= 0 {
		log.Debug().
			Uint64("txn", uint64(t.ID)).
			Int64("us_in_past", (now-t.Timestamp)/1000).
			Msg("Txn timestamp is in the past")

		if s.restartPastTxns {
			t.Abort("restarted")
		}
		s.batcher.Enqueue(t)
	} else {
		log.Debug().
			Uint64("txn", uint64(t.ID)).
			Int64("us_in_future", dev/1000).
			Msg("Txn timestamp is in the future")

		// A buffer insert that lowers the earliest wake time needs a
		// signal so the batcher reschedules its timer.
		if s.batcher.BufferFutureTxn(t) {
			s.batcher.Signal()
		}
	}
	s.devs.Add(from, dev)
}

func (s *Sequencer) processPing(from txn.MachineID, ping *wire.Ping) {
	telemetry.PingsTotal.Inc()
	pong := wire.NewEnvelope(s.config.LocalMachineID())
	pong.Response = &wire.Response{
		Pong: &wire.Pong{
			SrcSendTime: ping.SrcSendTime,
			Dev:         s.devs.Avg(from),
			Dst:         ping.Dst,
		},
	}
	if err := s.sender.Send(pong, from, wire.ForwarderChannel); err != nil {
		log.Error().Err(err).Int32("to", int32(from)).Msg("Failed to send pong")
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
