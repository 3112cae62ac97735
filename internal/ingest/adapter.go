// Package ingest holds the source adapters that turn upstream vessel/
// aircraft feeds into RawMsg records for the normalizer. Each adapter owns
// its own reconnect policy and exposes a bounded output channel with
// drop-oldest overflow so a slow normalizer never backs up a live feed
// connection.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

// rawQueueSize is the bounded per-adapter output buffer: 10,000 messages
// with drop-oldest overflow.
const rawQueueSize = 10000

// ConnState names the phase of an adapter's reconnect loop.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateBackoff
	StateDormant
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateDormant:
		return "dormant"
	default:
		return "connecting"
	}
}

// MarshalJSON renders the state as its name rather than its ordinal, so
// status snapshots read the same whether serialized from Go or inspected by
// an operator over HTTP.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Status is a point-in-time snapshot of an adapter's connection state.
type Status struct {
	Name        string
	State       ConnState
	Connected   bool
	Dormant     bool
	Reconnects  int64
	LastError   string
	LastMessage time.Time
}

// Adapter is the common shape of every source connector.
type Adapter interface {
	Name() string
	Start(ctx context.Context)
	Stream() <-chan normalize.RawMsg
	Status() Status
	Stop()
}

// outbox is the shared bounded-buffer/drop-oldest/status-tracking plumbing
// embedded by every concrete adapter.
type outbox struct {
	name string
	ch   chan normalize.RawMsg

	connected   atomic.Bool
	dormant     atomic.Bool
	state       atomic.Int32
	reconnects  atomic.Int64
	lastErr     atomic.Value // string
	lastMsgUnix atomic.Int64
}

func newOutbox(name string) *outbox {
	o := &outbox{name: name, ch: make(chan normalize.RawMsg, rawQueueSize)}
	o.lastErr.Store("")
	return o
}

func (o *outbox) Stream() <-chan normalize.RawMsg { return o.ch }

func (o *outbox) push(msg normalize.RawMsg) {
	select {
	case o.ch <- msg:
	default:
		select {
		case <-o.ch:
		default:
		}
		select {
		case o.ch <- msg:
		default:
		}
	}
	o.lastMsgUnix.Store(time.Now().UnixMilli())
	monitoring.AdapterMessages.WithLabelValues(o.name).Inc()
}

func (o *outbox) setConnected(v bool) {
	o.connected.Store(v)
	val := 0.0
	if v {
		val = 1.0
		o.dormant.Store(false)
		o.setState(StateOpen)
	}
	monitoring.AdapterConnected.WithLabelValues(o.name).Set(val)
}

func (o *outbox) setState(s ConnState) {
	o.state.Store(int32(s))
}

func (o *outbox) recordReconnect() {
	o.reconnects.Add(1)
	monitoring.AdapterReconnects.WithLabelValues(o.name).Inc()
}

func (o *outbox) recordErr(err error) {
	if err != nil {
		o.lastErr.Store(err.Error())
	}
}

func (o *outbox) Status() Status {
	var lastMsg time.Time
	if ms := o.lastMsgUnix.Load(); ms > 0 {
		lastMsg = time.UnixMilli(ms)
	}
	lastErr, _ := o.lastErr.Load().(string)
	return Status{
		Name:        o.name,
		State:       ConnState(o.state.Load()),
		Connected:   o.connected.Load(),
		Dormant:     o.dormant.Load(),
		Reconnects:  o.reconnects.Load(),
		LastError:   lastErr,
		LastMessage: lastMsg,
	}
}

// reconnectLoop runs connect repeatedly until ctx is cancelled, applying an
// exponential backoff between attempts and flipping into a dormant terminal
// state after maxConsecutiveFailures so a permanently-misconfigured feed
// stops hammering the upstream endpoint. connect should block for the life
// of one connection and return when it drops or fails.
func reconnectLoop(ctx context.Context, o *outbox, maxConsecutiveFailures int, connect func(context.Context) error) {
	failures := 0
	backoffDelay := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		o.setState(StateConnecting)
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		wasOpen := o.connected.Load()
		o.setConnected(false)
		o.recordErr(err)

		// A connection that opened before dropping resets the failure count.
		if err == nil || wasOpen {
			failures = 0
			backoffDelay = time.Second
		}
		if err == nil {
			continue
		}

		failures++
		o.recordReconnect()
		monitoring.Warnf("ingest[%s]: connection lost, reconnecting (attempt %d): %v", o.name, failures, err)

		if maxConsecutiveFailures > 0 && failures >= maxConsecutiveFailures {
			o.dormant.Store(true)
			o.setState(StateDormant)
			monitoring.Errorf("ingest[%s]: dormant after %d consecutive failures", o.name, failures)
			<-ctx.Done()
			return
		}

		o.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay):
		}
		backoffDelay *= 2
		if backoffDelay > maxBackoff {
			backoffDelay = maxBackoff
		}
	}
}
