// Package bus is the publish/subscribe layer: at-most-once local delivery via
// Go channels, generalized from a single hard-coded "updates" signal to named
// channels, plus best-effort cross-process delivery over NATS core pub-sub.
package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/fusionradar/fusionradar/internal/monitoring"
)

const (
	ChannelPositionUpdate = "entity:position:update"
	ChannelNewEntity      = "entity:new"
	ChannelConfigUpdate   = "config:update"
)

// Message is a bus envelope: an opaque payload on a named channel.
type Message struct {
	Channel string
	Payload []byte
}

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch chan Message
}

// Bus is the process-wide pub-sub hub. A Bus with no NATS connection is
// purely local — fine for tests and single-process deployments.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	nc       *nats.Conn
	natsSubs []*nats.Subscription
}

// New builds a local-only bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Connect attaches a NATS connection for cross-process fan-out; messages
// Published locally are also sent to NATS, and messages arriving from NATS
// are fanned out to local subscribers (but not re-published to NATS, to
// avoid an echo loop).
func (b *Bus) Connect(url string, channels ...string) error {
	nc, err := nats.Connect(url, nats.Name("fusionradar"), nats.MaxReconnects(-1))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()

	for _, ch := range channels {
		channel := ch
		sub, err := nc.Subscribe(channel, func(m *nats.Msg) {
			b.deliverLocal(Message{Channel: channel, Payload: m.Data})
		})
		if err != nil {
			return err
		}
		b.natsSubs = append(b.natsSubs, sub)
	}
	return nil
}

// Close releases the NATS connection, if any.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.natsSubs {
		_ = s.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}

// Subscribe registers a new subscriber on channel and returns its receive
// end plus an unsubscribe function. Delivery is non-blocking: a slow
// subscriber drops its oldest buffered message rather than stalling Publish.
func (b *Bus) Subscribe(channel string) (<-chan Message, func()) {
	s := &subscriber{ch: make(chan Message, defaultSubscriberBuffer)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscriber]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs[channel], s)
		b.mu.Unlock()
	}
	return s.ch, unsubscribe
}

// Publish delivers payload to every local subscriber of channel and, if
// connected, to NATS for cross-process delivery.
// Handlers must be non-blocking; Publish never blocks on a subscriber.
func (b *Bus) Publish(channel string, payload []byte) {
	b.deliverLocal(Message{Channel: channel, Payload: payload})

	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()
	if nc != nil {
		if err := nc.Publish(channel, payload); err != nil {
			monitoring.Warnf("bus: nats publish to %s failed: %v", channel, err)
		}
	}
}

func (b *Bus) deliverLocal(msg Message) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs[msg.Channel]))
	for s := range b.subs[msg.Channel] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			// Drop the oldest queued message to make room.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers on channel
// (status/debugging only).
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Healthy reports whether the optional NATS connection (if configured) is up.
func (b *Bus) Healthy(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc == nil || b.nc.IsConnected()
}
