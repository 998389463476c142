package storage

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stoatdb/stoat/txn"
)

// MemoryStore keeps all records in a concurrent map. The default backend
// for tests and latency-sensitive deployments that accept rebuilding
// state on restart.
type MemoryStore struct {
	records *xsync.MapOf[txn.Key, Record]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: xsync.NewMapOf[txn.Key, Record](),
	}
}

func (s *MemoryStore) Get(key txn.Key) (Record, bool, error) {
	rec, ok := s.records.Load(key)
	return rec, ok, nil
}

func (s *MemoryStore) Put(key txn.Key, rec Record) error {
	s.records.Store(key, rec)
	return nil
}

func (s *MemoryStore) Delete(key txn.Key) error {
	s.records.Delete(key)
	return nil
}

func (s *MemoryStore) Metadata(key txn.Key) (txn.Metadata, error) {
	rec, ok := s.records.Load(key)
	if !ok {
		return txn.Metadata{Master: DefaultMasterOfNewKey}, nil
	}
	return txn.Metadata{Master: rec.Master, Counter: rec.Counter}, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int { return s.records.Size() }
