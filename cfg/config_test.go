package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoatdb/stoat/txn"
)

func twoByTwo(t *testing.T) *Configuration {
	t.Helper()
	c := Default()
	c.NodeID = 1
	c.NumPartitions = 2
	c.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"r0p0", "r0p1"}},
		{Addresses: []string{"r1p0", "r1p1"}},
	}
	require.NoError(t, c.Finish("r1p0"))
	return c
}

func TestFinish_LocalIdentity(t *testing.T) {
	c := twoByTwo(t)

	assert.Equal(t, uint32(1), c.LocalReplica())
	assert.Equal(t, uint32(0), c.LocalPartition())
	assert.Equal(t, txn.MachineID(2), c.LocalMachineID())
	assert.Equal(t, []string{"r0p0", "r0p1", "r1p0", "r1p1"}, c.AllAddresses())
}

func TestMachineIDPackUnpack(t *testing.T) {
	c := twoByTwo(t)

	for replica := uint32(0); replica < 2; replica++ {
		for partition := uint32(0); partition < 2; partition++ {
			id := c.MakeMachineID(replica, partition)
			r, p := c.UnpackMachineID(id)
			assert.Equal(t, replica, r)
			assert.Equal(t, partition, p)
		}
	}
	assert.Equal(t, txn.MachineID(3), c.MakeMachineID(1, 1))
	assert.Len(t, c.AllMachineIDs(), 4)
}

func TestFinish_RejectsUnknownLocalAddress(t *testing.T) {
	c := Default()
	c.Replicas = []ReplicaConfiguration{{Addresses: []string{"a"}}}
	err := c.Finish("nowhere")
	assert.ErrorContains(t, err, "local machine address")
}

func TestFinish_RejectsBadReplicationFactor(t *testing.T) {
	c := Default()
	c.ReplicationFactor = 2
	c.Replicas = []ReplicaConfiguration{{Addresses: []string{"a"}}}
	err := c.Finish("a")
	assert.ErrorContains(t, err, "replication factor")
}

func TestFinish_RejectsAddressCountMismatch(t *testing.T) {
	c := Default()
	c.NumPartitions = 2
	c.Replicas = []ReplicaConfiguration{{Addresses: []string{"a"}}}
	err := c.Finish("a")
	assert.ErrorContains(t, err, "match number of partitions")
}

func TestFinish_RejectsUnknownBackendAndManager(t *testing.T) {
	c := Default()
	c.Replicas = []ReplicaConfiguration{{Addresses: []string{"a"}}}
	c.Storage.Backend = "floppy"
	assert.ErrorContains(t, c.Finish("a"), "storage backend")

	c = Default()
	c.Replicas = []ReplicaConfiguration{{Addresses: []string{"a"}}}
	c.Scheduler.LockManager = "optimistic"
	assert.ErrorContains(t, c.Finish("a"), "lock manager")
}

func TestSequencerBatchDuration_ZeroMeansOneMillisecond(t *testing.T) {
	c := Default()
	c.Replicas = []ReplicaConfiguration{{Addresses: []string{"a"}}}
	c.Sequencer.BatchDurationMS = 0
	require.NoError(t, c.Finish("a"))
	assert.Equal(t, "1ms", c.SequencerBatchDuration().String())
}

func TestReplicaLatency_ParsedAndOrdered(t *testing.T) {
	c := Default()
	c.NumPartitions = 1
	c.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"a"}},
		{Addresses: []string{"b"}},
		{Addresses: []string{"c"}},
	}
	c.ReplicaLatency = []string{
		"0, 80, 20",
		"80, 0, 60",
		"20, 60, 0",
	}
	require.NoError(t, c.Finish("a"))

	assert.Equal(t, uint32(80), c.Latency(0))
	assert.Equal(t, uint32(20), c.Latency(1))

	nearest := c.NthLatency(0)
	assert.Equal(t, uint32(20), nearest.Latency)
	assert.Equal(t, uint32(2), nearest.Replica)
}

func TestReplicaLatency_ShapeValidation(t *testing.T) {
	c := Default()
	c.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"a"}},
		{Addresses: []string{"b"}},
	}
	c.ReplicaLatency = []string{"0, 10"}
	assert.ErrorContains(t, c.Finish("a"), "latency strings")

	c = Default()
	c.Replicas = []ReplicaConfiguration{
		{Addresses: []string{"a"}},
		{Addresses: []string{"b"}},
	}
	c.ReplicaLatency = []string{"0", "10"}
	assert.ErrorContains(t, c.Finish("a"), "latency values")
}

func TestLeaderPartitionForMultiHomeOrdering(t *testing.T) {
	c := twoByTwo(t)
	assert.Equal(t, uint32(0), c.LeaderReplicaForMultiHomeOrdering())
	assert.Equal(t, uint32(1), c.LeaderPartitionForMultiHomeOrdering())
}

func TestPinnedCPUs(t *testing.T) {
	c := twoByTwo(t)
	c.Pinnings = []CPUPinningConfiguration{
		{Module: "scheduler", CPU: 2},
		{Module: "sequencer", CPU: 3},
		{Module: "scheduler", CPU: 4},
	}
	assert.Equal(t, []int{2, 4}, c.PinnedCPUs("scheduler"))
	assert.Empty(t, c.PinnedCPUs("worker"))
}
