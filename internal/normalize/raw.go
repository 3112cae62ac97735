package normalize

import "time"

// RawMsg is the opaque per-source payload handed to the Normalizer. Field
// names and casing vary by source; Payload is the raw JSON object
// bytes for a single entity observation. Adapters are responsible for
// splitting batched vendor payloads (arrays, SignalR QueryData rows, OpenSky
// state vectors) into one RawMsg per entity before normalization.
type RawMsg struct {
	Source     Source
	Payload    []byte
	ReceivedAt time.Time
}
