package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fusionradar/fusionradar/internal/normalize"
)

func TestOutboxPush_DropsOldestOnFullBuffer(t *testing.T) {
	o := newOutbox("test")
	// Replace the channel with a tiny one so the test doesn't need 10,000 pushes.
	o.ch = make(chan normalize.RawMsg, 2)

	o.push(normalize.RawMsg{Payload: []byte("a")})
	o.push(normalize.RawMsg{Payload: []byte("b")})
	o.push(normalize.RawMsg{Payload: []byte("c")})

	first := <-o.ch
	second := <-o.ch
	if string(first.Payload) != "b" || string(second.Payload) != "c" {
		t.Fatalf("expected oldest entry dropped, got %q then %q", first.Payload, second.Payload)
	}
}

func TestOutboxStatus_ReflectsConnectedAndLastMessage(t *testing.T) {
	o := newOutbox("test")
	if o.Status().Connected {
		t.Fatal("expected not connected initially")
	}
	o.setConnected(true)
	o.push(normalize.RawMsg{Payload: []byte("x")})

	st := o.Status()
	if !st.Connected {
		t.Fatal("expected connected after setConnected(true)")
	}
	if st.LastMessage.IsZero() {
		t.Fatal("expected LastMessage to be set after push")
	}
}

func TestOutboxStatus_StateFollowsConnectedAndDormant(t *testing.T) {
	o := newOutbox("test")
	if got := o.Status().State; got != StateConnecting {
		t.Fatalf("expected initial state %q, got %q", StateConnecting, got)
	}

	o.setConnected(true)
	if got := o.Status().State; got != StateOpen {
		t.Fatalf("expected state %q after setConnected(true), got %q", StateOpen, got)
	}

	o.dormant.Store(true)
	o.setState(StateDormant)
	if st := o.Status(); st.State != StateDormant || !st.Dormant {
		t.Fatalf("expected dormant state, got %+v", st)
	}

	// Recovering clears the dormant flag alongside the state.
	o.setConnected(true)
	if st := o.Status(); st.Dormant {
		t.Fatal("expected dormant flag cleared on reconnect")
	}
}

func TestReconnectLoop_RetriesOnError(t *testing.T) {
	o := newOutbox("test")
	var attempts atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connect := func(ctx context.Context) error {
		n := attempts.Add(1)
		if n >= 3 {
			cancel()
			return errors.New("final failure")
		}
		return errors.New("transient failure")
	}

	done := make(chan struct{})
	go func() {
		reconnectLoop(ctx, o, 0, connect)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnectLoop did not exit after cancellation")
	}

	if attempts.Load() < 3 {
		t.Fatalf("expected at least 3 connect attempts, got %d", attempts.Load())
	}
}

func TestReconnectLoop_GoesDormantAfterMaxFailures(t *testing.T) {
	o := newOutbox("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connect := func(ctx context.Context) error {
		return errors.New("always fails")
	}

	go reconnectLoop(ctx, o, 2, connect)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := o.Status(); st.Dormant {
			if st.State != StateDormant {
				t.Fatalf("expected State %q alongside Dormant=true, got %q", StateDormant, st.State)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected adapter to become dormant after max consecutive failures")
}

func TestReconnectLoop_ExitsImmediatelyWhenCtxCancelledBeforeStart(t *testing.T) {
	o := newOutbox("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	connect := func(ctx context.Context) error {
		called = true
		return nil
	}

	done := make(chan struct{})
	go func() {
		reconnectLoop(ctx, o, 5, connect)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnectLoop did not exit on pre-cancelled context")
	}
	_ = called
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	d := parseRetryAfter("5")
	if d != 5*time.Second {
		t.Fatalf("expected 5s, got %v", d)
	}
}

func TestParseRetryAfter_Empty(t *testing.T) {
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0 for empty input, got %v", d)
	}
}
