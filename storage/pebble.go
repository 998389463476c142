package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stoatdb/stoat/txn"
)

// PebbleStore persists records in a Pebble database. Records are msgpack
// encoded; keys are stored raw under a record prefix so future key
// spaces can share the database.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

var recordPrefix = []byte("/rec/")

// OpenPebbleStore opens (or creates) the store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func recordKey(key txn.Key) []byte {
	buf := make([]byte, 0, len(recordPrefix)+len(key))
	buf = append(buf, recordPrefix...)
	return append(buf, key...)
}

func (s *PebbleStore) Get(key txn.Key) (Record, bool, error) {
	data, closer, err := s.db.Get(recordKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read record: %w", err)
	}
	defer closer.Close()

	var rec Record
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, true, nil
}

func (s *PebbleStore) Put(key txn.Key, rec Record) error {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.db.Set(recordKey(key), buf.Bytes(), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *PebbleStore) Delete(key txn.Key) error {
	if err := s.db.Delete(recordKey(key), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *PebbleStore) Metadata(key txn.Key) (txn.Metadata, error) {
	rec, ok, err := s.Get(key)
	if err != nil {
		return txn.Metadata{}, err
	}
	if !ok {
		return txn.Metadata{Master: DefaultMasterOfNewKey}, nil
	}
	return txn.Metadata{Master: rec.Master, Counter: rec.Counter}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
