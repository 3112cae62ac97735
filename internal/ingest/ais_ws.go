package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fusionradar/fusionradar/internal/normalize"
)

// AISWebSocketAdapter connects to a vendor AIS feed exposed over a plain
// WebSocket (e.g. aisstream.io-style services) and forwards each frame as a
// RawMsg, splitting a frame that holds a JSON array into one RawMsg per
// element. Reconnects with backoff on any read/dial error.
type AISWebSocketAdapter struct {
	*outbox
	url          string
	subscribeMsg []byte // optional payload sent once after connect (subscription filter)
	dialer       *websocket.Dialer
	cancel       context.CancelFunc
}

// NewAISWebSocketAdapter builds an adapter that dials url and, if
// subscribeMsg is non-empty, sends it as the first text frame after connect.
func NewAISWebSocketAdapter(url string, subscribeMsg []byte) *AISWebSocketAdapter {
	return &AISWebSocketAdapter{
		outbox:       newOutbox("ais_ws"),
		url:          url,
		subscribeMsg: subscribeMsg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (a *AISWebSocketAdapter) Name() string { return a.outbox.name }

// Start begins the connect/read/reconnect loop in the background.
func (a *AISWebSocketAdapter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go reconnectLoop(ctx, a.outbox, 10, a.connectAndRead)
}

func (a *AISWebSocketAdapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *AISWebSocketAdapter) connectAndRead(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.url, http.Header{})
	if err != nil {
		return err
	}
	defer conn.Close()

	a.setConnected(true)

	if len(a.subscribeMsg) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, a.subscribeMsg); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
		close(done)
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var items []json.RawMessage
		if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '[' && json.Unmarshal(trimmed, &items) == nil {
			for _, it := range items {
				a.push(normalize.RawMsg{Source: normalize.SourceAISWebSocket, Payload: []byte(it), ReceivedAt: time.Now()})
			}
		} else {
			msg := make([]byte, len(payload))
			copy(msg, payload)
			a.push(normalize.RawMsg{Source: normalize.SourceAISWebSocket, Payload: msg, ReceivedAt: time.Now()})
		}

		select {
		case <-done:
			return ctx.Err()
		default:
		}
	}
}
