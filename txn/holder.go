package txn

import (
	"errors"
	"sort"
)

// Partitioner maps keys to partitions. Implemented by cfg.Configuration.
type Partitioner interface {
	PartitionOfKey(key Key) uint32
	LocalPartition() uint32
}

// ErrNoMasterMetadata is returned when a transaction reaches holder
// construction without any master metadata. Routing guarantees metadata is
// present in production; only test scaffolding may opt out via
// AllowMissingMetadata.
var ErrNoMasterMetadata = errors.New("transaction has no master metadata")

// KeyMode pairs a key with the lock mode the transaction needs on it.
type KeyMode struct {
	Key  Key
	Mode LockMode
}

// Holder is the precomputed per-transaction view materialized once at
// intake: the subset of keys owned by this partition with their lock
// modes, and the deduplicated partition/replica footprints.
type Holder struct {
	txn *Transaction

	keysInPartition       []KeyMode
	numInvolvedPartitions int
	activePartitions      []uint32
	involvedReplicas      []uint32
	replicaID             uint32
}

// HolderOption tweaks holder construction.
type HolderOption func(*holderOptions)

type holderOptions struct {
	allowMissingMetadata bool
}

// AllowMissingMetadata substitutes replica 0 when master metadata is
// absent instead of failing. Test scaffolding only.
func AllowMissingMetadata() HolderOption {
	return func(o *holderOptions) { o.allowMissingMetadata = true }
}

// NewHolder builds the per-txn view for the local partition.
func NewHolder(p Partitioner, t *Transaction, opts ...HolderOption) (*Holder, error) {
	var options holderOptions
	for _, opt := range opts {
		opt(&options)
	}

	h := &Holder{txn: t}

	var involvedPartitions []uint32
	for key := range t.ReadSet {
		involvedPartitions = append(involvedPartitions, p.PartitionOfKey(key))
		// A key in both sets gets the write lock instead.
		if _, written := t.WriteSet[key]; written {
			continue
		}
		if p.PartitionOfKey(key) == p.LocalPartition() {
			h.keysInPartition = append(h.keysInPartition, KeyMode{Key: key, Mode: LockModeRead})
		}
	}
	for key := range t.WriteSet {
		part := p.PartitionOfKey(key)
		involvedPartitions = append(involvedPartitions, part)
		h.activePartitions = append(h.activePartitions, part)
		if part == p.LocalPartition() {
			h.keysInPartition = append(h.keysInPartition, KeyMode{Key: key, Mode: LockModeWrite})
		}
	}

	for _, meta := range t.MasterMetadata {
		h.involvedReplicas = append(h.involvedReplicas, meta.Master)
	}
	if t.Type == TypeMultiHome && t.IsRemaster() {
		h.involvedReplicas = append(h.involvedReplicas, t.Remaster.NewMaster)
	}

	// Keys in partition are rebuilt from maps, so fix their order for the
	// lock manager's deterministic request stream.
	sort.Slice(h.keysInPartition, func(i, j int) bool {
		return h.keysInPartition[i].Key < h.keysInPartition[j].Key
	})

	h.numInvolvedPartitions = len(dedupSorted(involvedPartitions))
	h.activePartitions = dedupSorted(h.activePartitions)
	h.involvedReplicas = dedupSorted(h.involvedReplicas)

	replicaID, err := ReplicaID(t)
	if err != nil {
		if !options.allowMissingMetadata {
			return nil, err
		}
		replicaID = 0
	}
	h.replicaID = replicaID

	return h, nil
}

// Txn returns the transaction this holder wraps.
func (h *Holder) Txn() *Transaction { return h.txn }

// KeysInPartition returns the keys of this transaction owned by the local
// partition, each with the lock mode to request.
func (h *Holder) KeysInPartition() []KeyMode { return h.keysInPartition }

// NumInvolvedPartitions counts distinct partitions across both sets.
func (h *Holder) NumInvolvedPartitions() int { return h.numInvolvedPartitions }

// ActivePartitions returns the distinct partitions with writes, sorted.
func (h *Holder) ActivePartitions() []uint32 { return h.activePartitions }

// InvolvedReplicas returns the distinct home replicas of the transaction's
// keys, sorted.
func (h *Holder) InvolvedReplicas() []uint32 { return h.involvedReplicas }

// ReplicaID returns the representative home replica of this transaction.
func (h *Holder) ReplicaID() uint32 { return h.replicaID }

// ReplicaID derives the representative home replica of a transaction. For
// single-home transactions and lock-only pieces every master in the
// metadata is the same, so one representative suffices. The lock-only
// piece of a remaster that runs at the new master reports the new master.
func ReplicaID(t *Transaction) (uint32, error) {
	if t.Type == TypeLockOnly && t.IsRemaster() && t.Remaster.NewMasterLockOnly {
		return t.Remaster.NewMaster, nil
	}
	if len(t.MasterMetadata) == 0 {
		return 0, ErrNoMasterMetadata
	}
	// All masters agree for single-home and lock-only pieces; take the
	// smallest key's entry so every replica picks the same one.
	var first Key
	found := false
	for key := range t.MasterMetadata {
		if !found || key < first {
			first = key
			found = true
		}
	}
	return t.MasterMetadata[first].Master, nil
}

func dedupSorted(xs []uint32) []uint32 {
	if len(xs) == 0 {
		return xs
	}
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
