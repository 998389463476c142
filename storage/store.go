// Package storage is the record store the execution workers run
// against: key → (value, master, counter). The lock manager never
// touches it; workers read and write under locks already granted.
package storage

import "github.com/stoatdb/stoat/txn"

// Record is one key's stored state. Master and Counter mirror the key's
// remaster metadata so intake can stamp transactions without a separate
// lookup path.
type Record struct {
	Value   []byte `msgpack:"v"`
	Master  uint32 `msgpack:"m"`
	Counter uint32 `msgpack:"c"`
}

// Store is the record store contract. Implementations must be safe for
// concurrent use by the worker pool.
type Store interface {
	Get(key txn.Key) (Record, bool, error)
	Put(key txn.Key, rec Record) error
	Delete(key txn.Key) error

	// Metadata returns the key's master metadata, or the default when the
	// key does not exist yet.
	Metadata(key txn.Key) (txn.Metadata, error)

	Close() error
}

// DefaultMasterOfNewKey is the home replica assigned to keys never seen
// before.
const DefaultMasterOfNewKey uint32 = 0
