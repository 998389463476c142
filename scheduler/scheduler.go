package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/module"
	"github.com/stoatdb/stoat/storage"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
	"github.com/stoatdb/stoat/wire"
)

// Scheduler drives the local partition's execution schedule: it walks
// the in-order batch stream, pushes every local transaction through the
// lock manager, dispatches whatever is ready to the worker pool, and
// releases locks as workers finish. It is the sole owner of the lock
// table: all AcquireLocks/ReleaseLocks calls happen on its goroutine.
type Scheduler struct {
	config *cfg.Configuration
	lm     LockManager
	store  storage.Store
	tracer *telemetry.Tracer

	// batches delivers committed batches in slot order.
	batches <-chan *wire.Batch
	// readySignal wakes the scheduler when the deadlock resolver has
	// published newly ready transactions.
	readySignal <-chan struct{}

	dispatchCh chan *txn.Holder
	doneCh     chan *txn.Holder

	holders map[txn.TxnID]*txn.Holder

	poller    *module.WeightedPoller
	workersWg sync.WaitGroup
}

// NewScheduler wires the scheduler against its inputs.
func NewScheduler(config *cfg.Configuration, lm LockManager, store storage.Store,
	tracer *telemetry.Tracer, batches <-chan *wire.Batch, readySignal <-chan struct{}) *Scheduler {
	numWorkers := config.Scheduler.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	s := &Scheduler{
		config:      config,
		lm:          lm,
		store:       store,
		tracer:      tracer,
		batches:     batches,
		readySignal: readySignal,
		dispatchCh:  make(chan *txn.Holder, numWorkers*2),
		doneCh:      make(chan *txn.Holder, numWorkers*2),
		holders:     make(map[txn.TxnID]*txn.Holder),
	}

	// The batch stream is the main input; completions and resolver
	// wakeups are polled between batches so a long in-order run cannot
	// starve releases.
	s.poller = module.NewWeightedPoller()
	s.poller.Add(2, s.pollBatches)
	s.poller.Add(1, s.pollDone)
	s.poller.Add(1, s.pollReadySignal)
	return s
}

func (s *Scheduler) Name() string { return "scheduler" }

// SetUp launches the worker pool.
func (s *Scheduler) SetUp() error {
	numWorkers := s.config.Scheduler.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		w := &worker{id: i, store: s.store, in: s.dispatchCh, done: s.doneCh}
		s.workersWg.Add(1)
		go func() {
			defer s.workersWg.Done()
			w.run()
		}()
	}
	return nil
}

// Loop gives one input source a shot, weighted toward the batch stream.
func (s *Scheduler) Loop() bool {
	return s.poller.Poll()
}

func (s *Scheduler) pollBatches() bool {
	select {
	case batch, ok := <-s.batches:
		if !ok {
			return false
		}
		for _, t := range batch.Txns {
			s.accept(t)
		}
		return true
	default:
		return false
	}
}

func (s *Scheduler) pollDone() bool {
	select {
	case h := <-s.doneCh:
		s.release(h)
		return true
	default:
		return false
	}
}

func (s *Scheduler) pollReadySignal() bool {
	select {
	case <-s.readySignal:
		for _, id := range s.lm.GetReadyTxns() {
			telemetry.ReadyTxnsPublishedTotal.Inc()
			s.dispatchByID(id)
		}
		return true
	default:
		return false
	}
}

// Stop drains the worker pool. In-flight transactions finish; their
// releases are lost with the process, as is the rest of the lock table.
func (s *Scheduler) Stop() {
	close(s.dispatchCh)
	s.workersWg.Wait()
}

// accept routes one transaction of an in-order batch through the lock
// manager.
func (s *Scheduler) accept(t *txn.Transaction) {
	holder, err := txn.NewHolder(s.config, t)
	if err != nil {
		log.Error().Err(err).Uint64("txn", uint64(t.ID)).Msg("Dropping txn without master metadata")
		return
	}
	// Batches carry every txn of the replica; only those touching keys of
	// this partition go through the local lock manager.
	if len(holder.KeysInPartition()) == 0 {
		return
	}
	s.tracer.Record(t, telemetry.EventEnterScheduler)
	s.holders[t.ID] = holder

	result := s.lm.AcceptTxnAndAcquireLocks(holder)
	telemetry.LockAcquiresTotal.With(resultLabel(result)).Inc()
	switch result {
	case txn.AcquireAcquired:
		s.dispatch(holder)
	case txn.AcquireWaiting:
		// Dispatched later, by a release or the deadlock resolver.
	case txn.AcquireAbort:
		log.Debug().Uint64("txn", uint64(t.ID)).Msg("Txn aborted at lock acquisition")
		t.Abort("restarted")
		delete(s.holders, t.ID)
	}
}

// release returns an executed txn's locks and dispatches whoever became
// ready.
func (s *Scheduler) release(h *txn.Holder) {
	s.tracer.Record(h.Txn(), telemetry.EventReleased)
	ready := s.lm.ReleaseLocks(h)
	delete(s.holders, h.Txn().ID)
	for _, id := range ready {
		s.dispatchByID(id)
	}
}

func (s *Scheduler) dispatchByID(id txn.TxnID) {
	holder, ok := s.holders[id]
	if !ok {
		log.Error().Uint64("txn", uint64(id)).Msg("Ready txn has no holder")
		return
	}
	s.dispatch(holder)
}

// dispatch hands a ready transaction to the worker pool. Each txn is
// dispatched exactly once, the moment it first becomes ready.
func (s *Scheduler) dispatch(h *txn.Holder) {
	t := h.Txn()
	s.tracer.Record(t, telemetry.EventDispatched)
	telemetry.TxnsDispatchedTotal.Inc()
	if len(t.Events) > 0 {
		first := t.Events[0].At
		telemetry.DispatchLatencySeconds.Observe(
			float64(time.Now().UnixNano()-first) / float64(time.Second))
	}
	s.dispatchCh <- h
}

func resultLabel(r txn.AcquireLocksResult) string {
	switch r {
	case txn.AcquireAcquired:
		return "acquired"
	case txn.AcquireWaiting:
		return "waiting"
	default:
		return "abort"
	}
}
