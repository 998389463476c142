// Package broker moves envelopes between machines over NATS. Every
// (machine, channel) pair maps to one subject; modules subscribe to
// their own channel and send to anyone's.
package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
	"github.com/stoatdb/stoat/wire"
)

// subscriptionBuffer is the per-channel envelope buffer. A module that
// falls this far behind starts shedding envelopes, which only transient
// races survive; sizing generously keeps that theoretical.
const subscriptionBuffer = 4096

// Broker is one machine's connection to the message fabric.
type Broker struct {
	config *cfg.Configuration
	conn   *nats.Conn
	subs   []*nats.Subscription
}

// Connect dials the fabric. The connection retries forever; modules
// tolerate a broker that comes up late.
func Connect(config *cfg.Configuration) (*Broker, error) {
	conn, err := nats.Connect(config.Broker.NATSUrl,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &Broker{config: config, conn: conn}, nil
}

// Subject names the inbox of a (machine, channel) pair.
func Subject(machine txn.MachineID, channel wire.Channel) string {
	return fmt.Sprintf("stoat.m%d.c%d", machine, channel)
}

// Send delivers an envelope to a channel on another machine.
func (b *Broker) Send(env *wire.Envelope, to txn.MachineID, channel wire.Channel) error {
	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Subject(to, channel), frame); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	telemetry.EnvelopesTotal.With("sent").Inc()
	return nil
}

// Subscribe opens this machine's inbox for a channel. Malformed frames
// are logged and dropped; so are envelopes arriving faster than the
// module drains them.
func (b *Broker) Subscribe(channel wire.Channel) (<-chan *wire.Envelope, error) {
	ch := make(chan *wire.Envelope, subscriptionBuffer)
	subject := Subject(b.config.LocalMachineID(), channel)

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		env, err := wire.Unmarshal(msg.Data)
		if err != nil {
			telemetry.EnvelopeErrorsTotal.Inc()
			log.Error().Err(err).Str("subject", subject).Msg("Dropping malformed envelope")
			return
		}
		telemetry.EnvelopesTotal.With("received").Inc()
		select {
		case ch <- env:
		default:
			telemetry.EnvelopeErrorsTotal.Inc()
			log.Error().Str("subject", subject).Msg("Subscription buffer full, dropping envelope")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	return ch, nil
}

// Close unsubscribes everything and drains the connection.
func (b *Broker) Close() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	if err := b.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("Failed to drain broker connection")
	}
}
