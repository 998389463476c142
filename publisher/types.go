// Package publisher streams the committed batch order to external
// consumers. Publishing is strictly off the hot path: a failed or slow
// sink costs log noise, never scheduler progress.
package publisher

import (
	"fmt"
	"sync"

	"github.com/stoatdb/stoat/cfg"
)

// BatchEvent is one committed batch in the published stream.
type BatchEvent struct {
	Slot        uint32   `msgpack:"slot"`
	BatchID     uint32   `msgpack:"batch"`
	HomeReplica uint32   `msgpack:"home"`
	TxnIDs      []uint64 `msgpack:"txns"`
	CommittedAt int64    `msgpack:"at"`
}

// Sink is a destination for batch events.
type Sink interface {
	// Publish sends one event payload keyed for partitioning.
	Publish(topic, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// SinkFactory builds a sink from its configuration.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]SinkFactory)
)

// RegisterSink makes a sink type constructible from configuration. Sink
// implementations register themselves in init.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// NewSink constructs a sink of the configured type.
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := factories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %q", config.Type)
	}
	return factory(config)
}
