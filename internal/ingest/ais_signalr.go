package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/philippseith/signalr"

	"github.com/fusionradar/fusionradar/internal/normalize"
)

// AISSignalRAdapter connects to a vendor AIS feed exposed over an
// ASP.NET SignalR hub (common among European coastal AIS aggregators) and
// forwards each row of a ReceiveMessage invocation as its own RawMsg.
type AISSignalRAdapter struct {
	*outbox
	endpoint   string
	hubMethods []string // recorded method names; only ReceiveMessage has a receiver
	cancel     context.CancelFunc
}

// NewAISSignalRAdapter builds an adapter against a SignalR hub endpoint.
// hubMethods is stored on the adapter but does not select what is received:
// the receiver handles the server-invoked ReceiveMessage method only, and
// invocations of any other method name are not forwarded.
func NewAISSignalRAdapter(endpoint string, hubMethods []string) *AISSignalRAdapter {
	if len(hubMethods) == 0 {
		hubMethods = []string{"ReceiveMessage"}
	}
	return &AISSignalRAdapter{
		outbox:     newOutbox("ais_signalr"),
		endpoint:   endpoint,
		hubMethods: hubMethods,
	}
}

func (a *AISSignalRAdapter) Name() string { return a.outbox.name }

func (a *AISSignalRAdapter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go reconnectLoop(ctx, a.outbox, 10, a.connectAndRead)
}

func (a *AISSignalRAdapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// receiver implements signalr.Receiver with a single ReceiveMessage method,
// forwarding its invocations to the adapter's outbox.
type receiver struct {
	signalr.Hub
	adapter *AISSignalRAdapter
}

func (r *receiver) ReceiveMessage(args ...interface{}) {
	r.forward(args)
}

// forward pushes each argument as a RawMsg; an argument that is an array is
// split so each of its rows becomes its own RawMsg.
func (r *receiver) forward(args []interface{}) {
	for _, arg := range args {
		rows, ok := arg.([]interface{})
		if !ok {
			rows = []interface{}{arg}
		}
		for _, row := range rows {
			b, err := json.Marshal(row)
			if err != nil {
				continue
			}
			r.adapter.push(normalize.RawMsg{Source: normalize.SourceAISSignalR, Payload: b, ReceivedAt: time.Now()})
		}
	}
}

func (a *AISSignalRAdapter) connectAndRead(ctx context.Context) error {
	rcv := &receiver{adapter: a}
	client, err := signalr.NewClient(ctx,
		signalr.WithConnector(func() (signalr.Connection, error) {
			return signalr.NewHTTPConnection(ctx, a.endpoint)
		}),
		signalr.WithReceiver(rcv),
	)
	if err != nil {
		return err
	}

	client.Start()
	defer client.Stop()
	a.setConnected(true)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.WaitForState(ctx, signalr.ClientClosed):
		return client.Err()
	}
}
