// Package normalize turns heterogeneous per-source raw records into the
// canonical NormMsg understood by the fusion engine. It is the single place
// that enumerates accepted field names and casings per source; downstream
// packages only ever see a NormMsg.
package normalize

import "time"

// EntityKind distinguishes the two tracked object families.
type EntityKind string

const (
	KindVessel   EntityKind = "vessel"
	KindAircraft EntityKind = "aircraft"
)

// EntityKey is the canonical "{kind}:{id}" identifier, stable for the life
// of the process.
type EntityKey string

// NewEntityKey builds a tagged key from a kind and an already-normalized id.
func NewEntityKey(kind EntityKind, id string) EntityKey {
	return EntityKey(string(kind) + ":" + id)
}

// Source identifies the upstream feed a message came from.
type Source string

const (
	SourceAISWebSocket Source = "ais_ws"
	SourceAISSignalR   Source = "ais_signalr"
	SourceADSB         Source = "adsb"
)

// sourceWeights is the fixed per-source trust table. Unknown sources fall
// back to the default weight.
var sourceWeights = map[Source]float64{
	SourceAISWebSocket: 0.9,
	SourceAISSignalR:   0.85,
	SourceADSB:         0.95,
}

const defaultSourceWeight = 0.8

// WeightFor returns the clamped [0,1] trust coefficient for source.
func WeightFor(s Source) float64 {
	w, ok := sourceWeights[s]
	if !ok {
		w = defaultSourceWeight
	}
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// NormMsg is the canonical normalized position record — the only type
// flowing into fusion. Vessel and aircraft variants share the same shape;
// Kind says which fields are meaningful.
type NormMsg struct {
	Key          EntityKey
	Kind         EntityKind
	Source       Source
	SourceWeight float64

	TS       time.Time // UTC, millisecond precision
	IngestTS time.Time // when the normalizer observed it

	Lat float64
	Lon float64

	Speed    *float64 // knots (aircraft) or m/s-equivalent kept as provided by source
	Course   *float64 // degrees
	Heading  *float64 // degrees
	Altitude *float64 // feet
	Status   string
	Name     string
	Callsign string

	Sane bool
}

// RejectReason enumerates why the normalizer refused a raw record.
type RejectReason string

const (
	RejectBadKey       RejectReason = "bad_key"
	RejectBadPosition  RejectReason = "bad_position"
	RejectBadTimestamp RejectReason = "bad_timestamp"
	RejectTooOld       RejectReason = "too_old"
	RejectMalformed    RejectReason = "malformed"
)

// RejectError is returned (never panicked) when a raw record cannot be
// turned into a NormMsg. The normalizer must never throw for an individual
// record — this is the typed alternative.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}
