package scheduler

import (
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/storage"
	"github.com/stoatdb/stoat/txn"
)

// worker executes dispatched transactions against the record store. All
// locks are already held when a holder reaches a worker, so execution
// needs no further coordination.
type worker struct {
	id    int
	store storage.Store
	in    <-chan *txn.Holder
	done  chan<- *txn.Holder
}

func (w *worker) run() {
	for h := range w.in {
		w.execute(h)
		w.done <- h
	}
}

func (w *worker) execute(h *txn.Holder) {
	t := h.Txn()
	if t.Status == txn.StatusAborted {
		return
	}

	if t.IsRemaster() {
		w.applyRemaster(h)
		if t.Status != txn.StatusAborted {
			t.Status = txn.StatusCommitted
		}
		return
	}

	for _, km := range h.KeysInPartition() {
		switch km.Mode {
		case txn.LockModeRead:
			rec, ok, err := w.store.Get(km.Key)
			if err != nil {
				log.Error().Err(err).Str("key", string(km.Key)).Msg("Read failed")
				t.Abort("storage read failed")
				return
			}
			if ok {
				t.ReadSet[km.Key] = rec.Value
			}
		case txn.LockModeWrite:
			meta := t.MasterMetadata[km.Key]
			rec := storage.Record{
				Value:   t.WriteSet[km.Key],
				Master:  meta.Master,
				Counter: meta.Counter,
			}
			if err := w.store.Put(km.Key, rec); err != nil {
				log.Error().Err(err).Str("key", string(km.Key)).Msg("Write failed")
				t.Abort("storage write failed")
				return
			}
		}
	}
	t.Status = txn.StatusCommitted
}

// applyRemaster moves the key to its new master and bumps the counter so
// stale-routed transactions can be detected and restarted.
func (w *worker) applyRemaster(h *txn.Holder) {
	t := h.Txn()
	km := h.KeysInPartition()[0]
	rec, _, err := w.store.Get(km.Key)
	if err != nil {
		log.Error().Err(err).Str("key", string(km.Key)).Msg("Remaster read failed")
		t.Abort("storage read failed")
		return
	}
	rec.Master = t.Remaster.NewMaster
	rec.Counter++
	if err := w.store.Put(km.Key, rec); err != nil {
		log.Error().Err(err).Str("key", string(km.Key)).Msg("Remaster write failed")
		t.Abort("storage write failed")
	}
}
