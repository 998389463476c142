package sequencer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
	"github.com/stoatdb/stoat/wire"
)

// futureTxnHeap is a min-heap on transaction timestamp.
type futureTxnHeap []*txn.Transaction

func (h futureTxnHeap) Len() int           { return len(h) }
func (h futureTxnHeap) Less(i, j int) bool { return h[i].Timestamp < h[j].Timestamp }
func (h futureTxnHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *futureTxnHeap) Push(x any)        { *h = append(*h, x.(*txn.Transaction)) }
func (h *futureTxnHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Batcher slices the sequencer's output into fixed-duration numbered
// batches. Future-timestamped transactions sit in a min-heap until the
// local clock reaches them; the batcher's timer always tracks the
// earlier of the next batch deadline and the heap minimum.
type Batcher struct {
	config *cfg.Configuration
	tracer *telemetry.Tracer

	// out receives closed batches; the deterministic ordering layer is on
	// the other end.
	out chan<- *wire.Batch

	mu      sync.Mutex
	future  futureTxnHeap
	pending []*txn.Transaction

	nextBatchID uint32

	signalCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBatcher creates a batcher emitting to out.
func NewBatcher(config *cfg.Configuration, tracer *telemetry.Tracer, out chan<- *wire.Batch) *Batcher {
	return &Batcher{
		config:   config,
		tracer:   tracer,
		out:      out,
		signalCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the batch loop.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Stop closes the current batch and joins the loop.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Enqueue adds a transaction to the batch under construction. A batch
// that reaches the size cap is closed by the batch loop; only that
// goroutine ever flushes, which keeps batch numbers in emission order.
func (b *Batcher) Enqueue(t *txn.Transaction) {
	b.tracer.Record(t, telemetry.EventEnterLocalBatch)

	b.mu.Lock()
	b.pending = append(b.pending, t)
	full := b.batchFullLocked()
	b.mu.Unlock()

	if full {
		b.Signal()
	}
}

func (b *Batcher) batchFullLocked() bool {
	return b.config.Sequencer.MaxBatchSize > 0 && len(b.pending) >= b.config.Sequencer.MaxBatchSize
}

// BufferFutureTxn holds a future-timestamped transaction until the local
// clock reaches its timestamp. Returns true if the buffer's minimum got
// earlier, in which case the caller must signal the batcher so it
// reschedules its timer.
func (b *Batcher) BufferFutureTxn(t *txn.Transaction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var prevMin int64
	hadMin := len(b.future) > 0
	if hadMin {
		prevMin = b.future[0].Timestamp
	}
	heap.Push(&b.future, t)
	telemetry.FutureTxnsBuffered.Set(float64(len(b.future)))
	return !hadMin || t.Timestamp < prevMin
}

// Signal wakes the batch loop to recompute its timer. Non-blocking;
// coalesces with a pending signal.
func (b *Batcher) Signal() {
	select {
	case b.signalCh <- struct{}{}:
	default:
	}
}

func (b *Batcher) loop() {
	defer b.wg.Done()

	batchDuration := b.config.SequencerBatchDuration()
	deadline := time.Now().Add(batchDuration)
	timer := time.NewTimer(batchDuration)
	defer timer.Stop()

	for {
		select {
		case <-b.stopCh:
			b.drainDue()
			b.flush()
			return

		case <-b.signalCh:
			// Either the heap minimum moved earlier than the timer, or the
			// batch under construction hit the size cap.
			b.mu.Lock()
			full := b.batchFullLocked()
			b.mu.Unlock()
			if full {
				b.flush()
				deadline = time.Now().Add(batchDuration)
			}
			b.resetTimer(timer, deadline)

		case <-timer.C:
			b.drainDue()
			if time.Now().After(deadline) || time.Now().Equal(deadline) {
				b.flush()
				deadline = time.Now().Add(batchDuration)
			}
			b.resetTimer(timer, deadline)
		}
	}
}

// resetTimer arms the timer for the earlier of the batch deadline and
// the heap minimum.
func (b *Batcher) resetTimer(timer *time.Timer, deadline time.Time) {
	wake := deadline

	b.mu.Lock()
	if len(b.future) > 0 {
		if earliest := time.Unix(0, b.future[0].Timestamp); earliest.Before(wake) {
			wake = earliest
		}
	}
	b.mu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := time.Until(wake)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// drainDue moves every future transaction whose timestamp has passed
// into the batch under construction. Entries release strictly when
// now >= timestamp; there is no upper bound on residence.
func (b *Batcher) drainDue() {
	now := time.Now().UnixNano()

	b.mu.Lock()
	var due []*txn.Transaction
	for len(b.future) > 0 && b.future[0].Timestamp <= now {
		due = append(due, heap.Pop(&b.future).(*txn.Transaction))
	}
	telemetry.FutureTxnsBuffered.Set(float64(len(b.future)))
	b.mu.Unlock()

	for _, t := range due {
		b.Enqueue(t)
	}
}

// flush closes the batch under construction and hands it downstream.
// Empty batches are skipped.
func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := &wire.Batch{
		ID:                b.nextBatchID,
		Txns:              b.pending,
		HomeReplica:       b.config.LocalReplica(),
		CreatedAtUnixNano: time.Now().UnixNano(),
	}
	b.nextBatchID++
	b.pending = nil
	b.mu.Unlock()

	for _, t := range batch.Txns {
		b.tracer.Record(t, telemetry.EventExitSequencer)
	}
	telemetry.BatchesEmittedTotal.Inc()
	telemetry.BatchSizeTxns.Observe(float64(len(batch.Txns)))
	log.Debug().Uint32("batch", batch.ID).Int("txns", len(batch.Txns)).Msg("Batch emitted")

	select {
	case b.out <- batch:
	case <-b.stopCh:
	}
}
