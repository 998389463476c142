package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/txn"
	"github.com/stoatdb/stoat/wire"
)

// ReplicaConfiguration lists the machine addresses of one replica, one
// address per partition.
type ReplicaConfiguration struct {
	Addresses []string `toml:"addresses"`
}

// HashPartitioningConfiguration selects hash partitioning over the first
// PartitionKeyNumBytes bytes of each key.
type HashPartitioningConfiguration struct {
	PartitionKeyNumBytes int `toml:"partition_key_num_bytes"`
}

// SimplePartitioningConfiguration selects integer-key partitioning:
// partition = key mod P, master = (key / P) mod R.
type SimplePartitioningConfiguration struct {
	NumRecords      uint32 `toml:"num_records"`
	RecordSizeBytes uint32 `toml:"record_size_bytes"`
}

// ForwarderConfiguration controls forwarder batching.
type ForwarderConfiguration struct {
	BatchDurationMS int `toml:"batch_duration_ms"`
	MaxBatchSize    int `toml:"max_batch_size"`
}

// SequencerConfiguration controls sequencer batching and the timestamp
// gate.
type SequencerConfiguration struct {
	BatchDurationMS      int  `toml:"batch_duration_ms"`
	MaxBatchSize         int  `toml:"max_batch_size"`
	SynchronizedBatching bool `toml:"synchronized_batching"`
}

// SchedulerConfiguration controls the lock manager and its deadlock
// resolver.
type SchedulerConfiguration struct {
	// LockManager is "ddr" or "remaster_counter".
	LockManager   string `toml:"lock_manager"`
	DDRIntervalMS int    `toml:"ddr_interval_ms"`
	NumWorkers    int    `toml:"num_workers"`
}

// CPUPinningConfiguration pins one module's thread to a CPU.
type CPUPinningConfiguration struct {
	Module string `toml:"module"`
	CPU    int    `toml:"cpu"`
}

// BrokerConfiguration points every module at the message fabric.
type BrokerConfiguration struct {
	NATSUrl string `toml:"nats_url"`
	Ports   []int  `toml:"ports"`
}

// StorageConfiguration selects the record store backend.
type StorageConfiguration struct {
	Backend string `toml:"backend"` // "memory" or "pebble"
	Path    string `toml:"path"`
}

// SinkConfiguration configures one committed-batch publisher sink.
type SinkConfiguration struct {
	Type    string   `toml:"type"` // "kafka"
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the admin HTTP surface.
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure. Derived fields
// (local replica/partition, latency tables) are computed by Load.
type Configuration struct {
	NodeID            uint64                 `toml:"node_id"`
	Replicas          []ReplicaConfiguration `toml:"replicas"`
	NumPartitions     uint32                 `toml:"num_partitions"`
	ReplicationFactor uint32                 `toml:"replication_factor"`
	ServerPort        int                    `toml:"server_port"`

	// ReplicaLatency holds one comma-separated RTT-hint row per replica,
	// used by the deterministic ordering layer.
	ReplicaLatency []string `toml:"replica_latency"`

	// BypassMHOrderer runs in single-home-only mode and activates the
	// sequencer timestamp gate.
	BypassMHOrderer bool `toml:"bypass_mh_orderer"`

	HashPartitioning   *HashPartitioningConfiguration   `toml:"hash_partitioning"`
	SimplePartitioning *SimplePartitioningConfiguration `toml:"simple_partitioning"`

	Forwarder ForwarderConfiguration `toml:"forwarder"`
	Sequencer SequencerConfiguration `toml:"sequencer"`
	Scheduler SchedulerConfiguration `toml:"scheduler"`
	Broker    BrokerConfiguration    `toml:"broker"`
	Storage   StorageConfiguration   `toml:"storage"`

	Pinnings              []CPUPinningConfiguration `toml:"cpu_pinnings"`
	DisabledTracingEvents []string                  `toml:"disabled_tracing_events"`

	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`

	localAddress   string
	localReplica   uint32
	localPartition uint32
	allAddresses   []string

	// latency[i] is the RTT hint to the i-th non-local replica;
	// orderedLatency holds the same pairs sorted ascending.
	latency        []uint32
	orderedLatency []LatencyEntry

	partitionCache *partitionCache
}

// LatencyEntry pairs an RTT hint with its replica.
type LatencyEntry struct {
	Latency uint32
	Replica uint32
}

// Command line flags
var (
	ConfigPathFlag   = flag.String("config", "stoat.toml", "Path to configuration file")
	LocalAddressFlag = flag.String("address", "", "Local machine address (must appear in the replica address lists)")
	DataDirFlag      = flag.String("data-dir", "", "Storage directory (overrides config)")
)

// Default returns the built-in configuration, before file and flag
// overrides.
func Default() *Configuration {
	return &Configuration{
		NumPartitions:     1,
		ReplicationFactor: 1,
		ServerPort:        2023,
		Forwarder: ForwarderConfiguration{
			BatchDurationMS: 1,
			MaxBatchSize:    100,
		},
		Sequencer: SequencerConfiguration{
			BatchDurationMS: 5,
			MaxBatchSize:    500,
		},
		Scheduler: SchedulerConfiguration{
			LockManager:   "ddr",
			DDRIntervalMS: 100,
			NumWorkers:    3,
		},
		Broker: BrokerConfiguration{
			NATSUrl: "nats://127.0.0.1:4222",
			Ports:   []int{2020},
		},
		Storage: StorageConfiguration{
			Backend: "memory",
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
	}
}

// Load reads the configuration file, applies flag overrides, resolves the
// local machine identity, and validates. Config validation failures are
// fatal at startup, so callers treat a returned error as terminal.
func Load(configPath, localAddress string) (*Configuration, error) {
	config := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		config.Storage.Path = *DataDirFlag
	}

	if config.NodeID == 0 {
		var err error
		config.NodeID, err = generateNodeID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", config.NodeID).Msg("Auto-generated node ID")
	}

	if err := config.Finish(localAddress); err != nil {
		return nil, err
	}
	return config, nil
}

// Finish validates the configuration and computes the derived fields.
// Exposed so tests can build configurations without a file.
func (c *Configuration) Finish(localAddress string) error {
	if c.NumPartitions < 1 {
		return fmt.Errorf("num_partitions must be >= 1")
	}
	if len(c.Replicas) == 0 {
		return fmt.Errorf("at least one replica must be configured")
	}
	if c.ReplicationFactor > uint32(len(c.Replicas)) {
		return fmt.Errorf("replication factor %d must not exceed number of replicas %d",
			c.ReplicationFactor, len(c.Replicas))
	}
	if len(c.Broker.Ports) == 0 {
		return fmt.Errorf("at least one broker port must be configured")
	}
	if len(c.Broker.Ports) > wire.MaxChannel-wire.BrokerChannel {
		return fmt.Errorf("maximum number of broker threads is %d", wire.MaxChannel-wire.BrokerChannel)
	}
	if c.HashPartitioning != nil && c.HashPartitioning.PartitionKeyNumBytes < 1 {
		return fmt.Errorf("partition_key_num_bytes must be >= 1")
	}
	switch c.Storage.Backend {
	case "memory":
	case "pebble":
		if c.Storage.Path == "" {
			return fmt.Errorf("pebble storage requires a path")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	switch c.Scheduler.LockManager {
	case "ddr", "remaster_counter":
	default:
		return fmt.Errorf("unknown lock manager: %q", c.Scheduler.LockManager)
	}

	localValid := false
	for r, replica := range c.Replicas {
		if uint32(len(replica.Addresses)) != c.NumPartitions {
			return fmt.Errorf("number of addresses in each replica must match number of partitions")
		}
		for p, address := range replica.Addresses {
			c.allAddresses = append(c.allAddresses, address)
			if address == localAddress {
				localValid = true
				c.localReplica = uint32(r)
				c.localPartition = uint32(p)
			}
		}
	}
	if !localValid {
		return fmt.Errorf("configuration does not contain the local machine address %q", localAddress)
	}
	c.localAddress = localAddress

	if err := c.parseLatency(); err != nil {
		return err
	}

	if c.HashPartitioning != nil {
		c.partitionCache = newPartitionCache()
	}
	return nil
}

func (c *Configuration) parseLatency() error {
	numReplicas := len(c.Replicas)
	if len(c.ReplicaLatency) == 0 {
		for i := 0; i < numReplicas; i++ {
			if i != int(c.localReplica) {
				c.latency = append(c.latency, 0)
				c.orderedLatency = append(c.orderedLatency, LatencyEntry{Replica: uint32(i)})
			}
		}
		return nil
	}

	if len(c.ReplicaLatency) != numReplicas {
		return fmt.Errorf("number of latency strings must match number of replicas")
	}
	row := strings.Split(c.ReplicaLatency[c.localReplica], ",")
	if len(row) != numReplicas {
		return fmt.Errorf("number of latency values must match number of replicas")
	}
	for i, s := range row {
		if i == int(c.localReplica) {
			continue
		}
		lat, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid latency value %q: %w", s, err)
		}
		c.latency = append(c.latency, uint32(lat))
		c.orderedLatency = append(c.orderedLatency, LatencyEntry{Latency: uint32(lat), Replica: uint32(i)})
	}
	sortLatency(c.orderedLatency)
	return nil
}

// sortLatency orders entries by latency, replica id breaking ties.
func sortLatency(entries []LatencyEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			if a.Latency < b.Latency || (a.Latency == b.Latency && a.Replica < b.Replica) {
				break
			}
			entries[j-1], entries[j] = b, a
		}
	}
}

// generateNodeID creates a unique node ID based on machine ID.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("stoat")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// NumReplicas returns the number of configured replicas.
func (c *Configuration) NumReplicas() uint32 { return uint32(len(c.Replicas)) }

// LocalAddress returns the address this process was started with.
func (c *Configuration) LocalAddress() string { return c.localAddress }

// LocalReplica returns the replica the local machine belongs to.
func (c *Configuration) LocalReplica() uint32 { return c.localReplica }

// LocalPartition returns the partition the local machine owns.
func (c *Configuration) LocalPartition() uint32 { return c.localPartition }

// AllAddresses returns every machine address, indexed by MachineID.
func (c *Configuration) AllAddresses() []string { return c.allAddresses }

// Address returns the address of a machine.
func (c *Configuration) Address(id txn.MachineID) string { return c.allAddresses[id] }

// MakeMachineID packs (replica, partition) into a MachineID.
func (c *Configuration) MakeMachineID(replica, partition uint32) txn.MachineID {
	return txn.MachineID(replica*c.NumPartitions + partition)
}

// UnpackMachineID is the inverse of MakeMachineID.
func (c *Configuration) UnpackMachineID(id txn.MachineID) (replica, partition uint32) {
	np := c.NumPartitions
	return uint32(id) / np, uint32(id) % np
}

// LocalMachineID returns the MachineID of this process.
func (c *Configuration) LocalMachineID() txn.MachineID {
	return c.MakeMachineID(c.localReplica, c.localPartition)
}

// NumMachines returns the total machine count across the cluster.
func (c *Configuration) NumMachines() int {
	return int(c.NumReplicas()) * int(c.NumPartitions)
}

// AllMachineIDs enumerates every machine in the cluster.
func (c *Configuration) AllMachineIDs() []txn.MachineID {
	ids := make([]txn.MachineID, 0, c.NumMachines())
	for r := uint32(0); r < c.NumReplicas(); r++ {
		for p := uint32(0); p < c.NumPartitions; p++ {
			ids = append(ids, c.MakeMachineID(r, p))
		}
	}
	return ids
}

// ForwarderBatchDuration returns the forwarder batching window.
func (c *Configuration) ForwarderBatchDuration() time.Duration {
	return time.Duration(c.Forwarder.BatchDurationMS) * time.Millisecond
}

// SequencerBatchDuration returns the sequencer batching window. A zero
// configured duration means 1ms.
func (c *Configuration) SequencerBatchDuration() time.Duration {
	if c.Sequencer.BatchDurationMS == 0 {
		return time.Millisecond
	}
	return time.Duration(c.Sequencer.BatchDurationMS) * time.Millisecond
}

// DDRInterval returns the deadlock resolver wake period.
func (c *Configuration) DDRInterval() time.Duration {
	return time.Duration(c.Scheduler.DDRIntervalMS) * time.Millisecond
}

// Latency returns the RTT hint to the i-th non-local replica.
func (c *Configuration) Latency(i int) uint32 { return c.latency[i] }

// NthLatency returns the n-th smallest RTT hint with its replica.
func (c *Configuration) NthLatency(n int) LatencyEntry { return c.orderedLatency[n] }

// LeaderReplicaForMultiHomeOrdering is fixed at replica 0.
func (c *Configuration) LeaderReplicaForMultiHomeOrdering() uint32 { return 0 }

// LeaderPartitionForMultiHomeOrdering avoids partition 0, which already
// leads the local ordering process.
func (c *Configuration) LeaderPartitionForMultiHomeOrdering() uint32 {
	return c.NumPartitions - 1
}

// PinnedCPUs returns the CPUs pinned to the named module.
func (c *Configuration) PinnedCPUs(module string) []int {
	var cpus []int
	for _, entry := range c.Pinnings {
		if entry.Module == module {
			cpus = append(cpus, entry.CPU)
		}
	}
	return cpus
}
