package sequencer

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stoatdb/stoat/txn"
)

// deviationWindowSize is the number of samples in each source's sliding
// mean. Skew estimates stabilize well before this many forwards.
const deviationWindowSize = 100

// slidingWindow keeps a fixed-size ring of samples and their running
// sum.
type slidingWindow struct {
	mu      sync.Mutex
	samples [deviationWindowSize]int64
	next    int
	count   int
	sum     int64
}

func (w *slidingWindow) Add(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == len(w.samples) {
		w.sum -= w.samples[w.next]
	} else {
		w.count++
	}
	w.samples[w.next] = v
	w.sum += v
	w.next = (w.next + 1) % len(w.samples)
}

func (w *slidingWindow) Avg() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	return w.sum / int64(w.count)
}

// DeviationTracker maintains the per-source clock-skew estimate: the
// sliding mean of (txn timestamp - local now) observed for each machine
// that forwards to us. The sequencer loop writes while the ping handler
// reads, so the per-machine windows live in a concurrent map.
type DeviationTracker struct {
	windows *xsync.MapOf[txn.MachineID, *slidingWindow]
}

// NewDeviationTracker creates an empty tracker.
func NewDeviationTracker() *DeviationTracker {
	return &DeviationTracker{
		windows: xsync.NewMapOf[txn.MachineID, *slidingWindow](),
	}
}

// Add records one deviation sample for the source machine.
func (d *DeviationTracker) Add(src txn.MachineID, dev int64) {
	w, _ := d.windows.LoadOrCompute(src, func() *slidingWindow {
		return &slidingWindow{}
	})
	w.Add(dev)
}

// Avg returns the source's sliding-mean deviation, zero when unknown.
func (d *DeviationTracker) Avg(src txn.MachineID) int64 {
	w, ok := d.windows.Load(src)
	if !ok {
		return 0
	}
	return w.Avg()
}
