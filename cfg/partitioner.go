package cfg

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/txn"
)

// FNV-1a, 32-bit variant. The partitioner must compute the same value on
// every machine, so the constants are pinned here rather than taken from
// hash/fnv.
const (
	fnvOffset32 = 0x811c9dc5
	fnvPrime32  = 0x01000193
)

func fnv1a(data []byte) uint32 {
	hash := uint32(fnvOffset32)
	for _, b := range data {
		hash *= fnvPrime32
		hash ^= uint32(b)
	}
	return hash
}

// partitionCacheSize bounds the key→partition memo. Hot key sets are far
// smaller than this in practice.
const partitionCacheSize = 1 << 16

type partitionCache struct {
	cache *lru.Cache[txn.Key, uint32]
}

func newPartitionCache() *partitionCache {
	cache, err := lru.New[txn.Key, uint32](partitionCacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		log.Fatal().Err(err).Msg("Failed to create partition cache")
	}
	return &partitionCache{cache: cache}
}

// PartitionOfKey maps a key to its partition. In hash mode the partition
// is FNV-1a over the first partition_key_num_bytes bytes of the key; in
// integer mode the key is parsed as an integer and taken mod the
// partition count.
func (c *Configuration) PartitionOfKey(key txn.Key) uint32 {
	if c.HashPartitioning == nil {
		n, err := strconv.ParseUint(string(key), 10, 64)
		if err != nil {
			log.Fatal().Str("key", string(key)).Msg("Non-integer key under integer partitioning")
		}
		return c.PartitionOfIntKey(uint32(n))
	}

	if part, ok := c.partitionCache.cache.Get(key); ok {
		return part
	}
	end := c.HashPartitioning.PartitionKeyNumBytes
	if end > len(key) {
		end = len(key)
	}
	part := fnv1a([]byte(key)[:end]) % c.NumPartitions
	c.partitionCache.cache.Add(key, part)
	return part
}

// PartitionOfIntKey maps an integer key to its partition.
func (c *Configuration) PartitionOfIntKey(key uint32) uint32 {
	return key % c.NumPartitions
}

// MasterOfIntKey returns the home replica of an integer key under simple
// partitioning.
func (c *Configuration) MasterOfIntKey(key uint32) uint32 {
	return (key / c.NumPartitions) % c.NumReplicas()
}

// KeyIsInLocalPartition reports whether this machine's partition owns the
// key.
func (c *Configuration) KeyIsInLocalPartition(key txn.Key) bool {
	return c.PartitionOfKey(key) == c.localPartition
}
