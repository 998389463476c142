package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refHash mirrors the partitioner's hash with unbounded intermediate
// arithmetic, the way the wire-format documentation states it: multiply
// by the prime modulo 2^32, then fold in the byte.
func refHash(data []byte) uint32 {
	hash := uint64(0x811c9dc5)
	for _, b := range data {
		hash = (hash * 0x01000193) % (1 << 32)
		hash ^= uint64(b)
	}
	return uint32(hash)
}

func hashConfig(t *testing.T, numBytes int) *Configuration {
	t.Helper()
	c := Default()
	c.NumPartitions = 4
	c.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"a0", "a1", "a2", "a3"}},
		{Addresses: []string{"b0", "b1", "b2", "b3"}},
	}
	c.HashPartitioning = &HashPartitioningConfiguration{PartitionKeyNumBytes: numBytes}
	require.NoError(t, c.Finish("a0"))
	return c
}

func TestPartitionOfKey_HashMode(t *testing.T) {
	c := hashConfig(t, 8)

	// Only the first 8 bytes participate.
	want := refHash([]byte("user-000")) % 4
	assert.Equal(t, want, c.PartitionOfKey("user-0001"))
	assert.Equal(t, c.PartitionOfKey("user-0001"), c.PartitionOfKey("user-0002"))

	// Shorter keys hash whole.
	assert.Equal(t, refHash([]byte("ab"))%4, c.PartitionOfKey("ab"))
}

func TestPartitionOfKey_HashModeIsCached(t *testing.T) {
	c := hashConfig(t, 8)

	first := c.PartitionOfKey("user-0001")
	cached, ok := c.partitionCache.cache.Get("user-0001")
	require.True(t, ok)
	assert.Equal(t, first, cached)
	assert.Equal(t, first, c.PartitionOfKey("user-0001"))
}

func TestPartitionOfKey_IntegerMode(t *testing.T) {
	c := Default()
	c.NumPartitions = 4
	c.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"a0", "a1", "a2", "a3"}},
		{Addresses: []string{"b0", "b1", "b2", "b3"}},
	}
	c.SimplePartitioning = &SimplePartitioningConfiguration{NumRecords: 1000}
	require.NoError(t, c.Finish("a0"))

	assert.Equal(t, uint32(1), c.PartitionOfKey("37"))
	assert.Equal(t, uint32(1), c.PartitionOfIntKey(37))
	assert.Equal(t, uint32(1), c.MasterOfIntKey(37))

	assert.Equal(t, uint32(0), c.PartitionOfIntKey(8))
	assert.Equal(t, uint32(0), c.MasterOfIntKey(8))

	assert.True(t, c.KeyIsInLocalPartition("8"))
	assert.False(t, c.KeyIsInLocalPartition("37"))
}
