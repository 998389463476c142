package publisher

import (
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/telemetry"
)

// eventBuffer bounds the publish backlog. When a sink stalls long enough
// to fill it, events are dropped with an error log.
const eventBuffer = 1024

// Publisher fans batch events out to the configured sinks on its own
// goroutine.
type Publisher struct {
	sinks  []namedSink
	topic  string
	events chan BatchEvent
	done   chan struct{}
}

type namedSink struct {
	name string
	sink Sink
}

// New builds a publisher from sink configurations. Returns nil when no
// sinks are configured; callers treat a nil publisher as disabled.
func New(configs []cfg.SinkConfiguration) (*Publisher, error) {
	if len(configs) == 0 {
		return nil, nil
	}
	p := &Publisher{
		topic:  "stoat.batches",
		events: make(chan BatchEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	for _, sc := range configs {
		sink, err := NewSink(sc)
		if err != nil {
			p.closeSinks()
			return nil, err
		}
		if sc.Topic != "" {
			p.topic = sc.Topic
		}
		p.sinks = append(p.sinks, namedSink{name: sc.Type, sink: sink})
	}
	go p.run()
	return p, nil
}

// Publish enqueues one event. Never blocks: a full backlog drops the
// event with an error log.
func (p *Publisher) Publish(event BatchEvent) {
	if p == nil {
		return
	}
	select {
	case p.events <- event:
	default:
		telemetry.PublishedEventsTotal.With("dropped").Inc()
		log.Error().Uint32("slot", event.Slot).Msg("Publisher backlog full, dropping event")
	}
}

// Close flushes the backlog and closes every sink.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	close(p.events)
	<-p.done
	p.closeSinks()
}

func (p *Publisher) run() {
	defer close(p.done)
	for event := range p.events {
		payload, err := msgpack.Marshal(event)
		if err != nil {
			telemetry.PublishedEventsTotal.With("error").Inc()
			log.Error().Err(err).Uint32("slot", event.Slot).Msg("Failed to encode batch event")
			continue
		}
		key := strconv.FormatUint(uint64(event.Slot), 10)
		for _, ns := range p.sinks {
			if err := ns.sink.Publish(p.topic, key, payload); err != nil {
				telemetry.PublishedEventsTotal.With("error").Inc()
				log.Error().Err(err).Str("sink", ns.name).Uint32("slot", event.Slot).
					Msg("Failed to publish batch event")
				continue
			}
			telemetry.PublishedEventsTotal.With("ok").Inc()
		}
	}
}

func (p *Publisher) closeSinks() {
	for _, ns := range p.sinks {
		if err := ns.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", ns.name).Msg("Failed to close sink")
		}
	}
}
