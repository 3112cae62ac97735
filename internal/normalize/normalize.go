package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Normalizer turns RawMsg into NormMsg. It never panics on a malformed
// individual record; callers get a *RejectError instead.
type Normalizer struct {
	now        func() time.Time
	maxAgeMs   int64 // optional hard reject for stale ingest messages (0 = disabled)
	sampler    *RejectSampler
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMaxAge sets a hard ingest-time staleness reject threshold.
func WithMaxAge(d time.Duration) Option {
	return func(n *Normalizer) { n.maxAgeMs = d.Milliseconds() }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New builds a Normalizer. sampler may be nil to disable reject sampling.
func New(sampler *RejectSampler, opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now, sampler: sampler}
	for _, o := range opts {
		o(n)
	}
	return n
}

// candidate field names per concept, across every source this system
// ingests. This is the single place that enumerates accepted casings
// across duck-typed payloads from every source.
var (
	mmsiFields         = []string{"mmsi", "MMSI", "Mmsi"}
	flightIDFields     = []string{"flightId", "flight_id", "FlightId", "icao24", "Icao24", "ICAO24"}
	registrationFields = []string{"registration", "reg", "Registration", "tail", "tailNumber"}
	callsignFields     = []string{"callsign", "Callsign", "CALLSIGN", "call_sign"}
	latFields          = []string{"lat", "latitude", "Lat", "Latitude", "LAT"}
	lonFields          = []string{"lon", "lng", "longitude", "Lon", "Lng", "Longitude", "LON"}
	tsFields           = []string{"ts", "timestamp", "time", "Time", "lastContact", "last_contact", "last_seen"}
	speedFields        = []string{"speed", "sog", "velocity", "Speed", "SOG", "gs"}
	courseFields       = []string{"course", "cog", "Course", "COG"}
	headingFields      = []string{"heading", "hdg", "Heading", "true_track", "track"}
	altFields          = []string{"altitude", "alt", "alt_baro", "Altitude", "geo_altitude"}
	statusFields       = []string{"status", "navStatus", "nav_status", "Status"}
	nameFields         = []string{"name", "shipName", "Name"}
)

func firstString(payload []byte, fields []string) (string, bool) {
	for _, f := range fields {
		r := gjson.GetBytes(payload, f)
		if r.Exists() {
			s := strings.TrimSpace(r.String())
			if s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstFloat(payload []byte, fields []string) (float64, bool) {
	for _, f := range fields {
		r := gjson.GetBytes(payload, f)
		if !r.Exists() {
			continue
		}
		switch r.Type {
		case gjson.Number:
			return r.Float(), true
		case gjson.String:
			if v, err := strconv.ParseFloat(strings.TrimSpace(r.String()), 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// parseTimestamp accepts an ISO-8601 string, an integer epoch (seconds or
// milliseconds, disambiguated by magnitude) and returns UTC milliseconds
// precision.
func parseTimestamp(payload []byte) (time.Time, bool) {
	for _, f := range tsFields {
		r := gjson.GetBytes(payload, f)
		if !r.Exists() {
			continue
		}
		switch r.Type {
		case gjson.String:
			s := strings.TrimSpace(r.String())
			if s == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UTC().Truncate(time.Millisecond), true
			}
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC().Truncate(time.Millisecond), true
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return epochToTime(n), true
			}
		case gjson.Number:
			return epochToTime(r.Int()), true
		}
	}
	return time.Time{}, false
}

// epochToTime disambiguates seconds vs. milliseconds by magnitude: anything
// below 10^12 is treated as seconds (valid through year ~33658 in seconds,
// but realistically distinguishes 2001-09-09-esque second counts from
// millisecond counts of the same era).
func epochToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	abs := v
	if abs < 0 {
		abs = -abs
	}
	if abs >= 1_000_000_000_000 {
		return time.UnixMilli(v).UTC().Truncate(time.Millisecond)
	}
	return time.Unix(v, 0).UTC().Truncate(time.Millisecond)
}

const (
	vesselLatLimit   = 85.0
	lonLimit         = 180.0
	aircraftLatLimit = 85.0
	maxSpeedKnots    = 650.0
	maxAltitudeFeet  = 60000.0
	maxAgeForSanity  = 24 * time.Hour
)

// Normalize implements the pipeline: key extraction, position parse,
// timestamp parse, sanity check, source weighting. It never panics; a
// malformed record becomes a *RejectError.
func (n *Normalizer) Normalize(raw RawMsg) (NormMsg, error) {
	kind := kindForSource(raw.Source)

	var key string
	switch kind {
	case KindVessel:
		mmsiRaw, ok := firstString(raw.Payload, mmsiFields)
		if !ok {
			return n.reject(raw, RejectBadKey, "missing mmsi")
		}
		norm, ok := NormalizeMMSI(mmsiRaw)
		if !ok {
			return n.reject(raw, RejectBadKey, "invalid mmsi "+mmsiRaw)
		}
		key = norm
	case KindAircraft:
		flightID, _ := firstString(raw.Payload, flightIDFields)
		registration, _ := firstString(raw.Payload, registrationFields)
		callsign, _ := firstString(raw.Payload, callsignFields)
		k, ok := AircraftKey(flightID, registration, callsign)
		if !ok {
			return n.reject(raw, RejectBadKey, "no flight id/registration/callsign")
		}
		key = k
	}

	lat, latOK := firstFloat(raw.Payload, latFields)
	lon, lonOK := firstFloat(raw.Payload, lonFields)
	if !latOK || !lonOK || math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return n.reject(raw, RejectBadPosition, "unparseable lat/lon")
	}
	if lon < -lonLimit || lon > lonLimit {
		return n.reject(raw, RejectBadPosition, "lon out of range")
	}
	latLimit := 90.0
	if kind == KindAircraft {
		latLimit = 90.0 // hard parse bound; plausibility bound applied separately below
	}
	if lat < -latLimit || lat > latLimit {
		return n.reject(raw, RejectBadPosition, "lat out of range")
	}

	ts, ok := parseTimestamp(raw.Payload)
	if !ok {
		return n.reject(raw, RejectBadTimestamp, "unparseable timestamp")
	}

	ingestTS := n.now()
	if n.maxAgeMs > 0 && ingestTS.Sub(ts).Milliseconds() > n.maxAgeMs {
		return n.reject(raw, RejectTooOld, "older than configured max age")
	}

	msg := NormMsg{
		Key:          NewEntityKey(kind, key),
		Kind:         kind,
		Source:       raw.Source,
		SourceWeight: WeightFor(raw.Source),
		TS:           ts,
		IngestTS:     ingestTS,
		Lat:          lat,
		Lon:          lon,
	}
	if v, ok := firstFloat(raw.Payload, speedFields); ok {
		msg.Speed = &v
	}
	if v, ok := firstFloat(raw.Payload, courseFields); ok {
		v = math.Mod(v, 360)
		msg.Course = &v
	}
	if v, ok := firstFloat(raw.Payload, headingFields); ok {
		v = math.Mod(v, 360)
		msg.Heading = &v
	}
	if v, ok := firstFloat(raw.Payload, altFields); ok {
		msg.Altitude = &v
	}
	if v, ok := firstString(raw.Payload, statusFields); ok {
		msg.Status = v
	}
	if v, ok := firstString(raw.Payload, nameFields); ok {
		msg.Name = v
	}
	if kind == KindAircraft {
		if v, ok := firstString(raw.Payload, callsignFields); ok {
			msg.Callsign = NormalizeCallsign(v)
		}
	}

	msg.Sane = isSane(msg, ingestTS)
	return msg, nil
}

// isSane applies the physical-plausibility sanity checks.
func isSane(m NormMsg, now time.Time) bool {
	switch m.Kind {
	case KindVessel:
		if math.Abs(m.Lat) > vesselLatLimit || math.Abs(m.Lon) > lonLimit {
			return false
		}
	case KindAircraft:
		if math.Abs(m.Lat) > aircraftLatLimit || math.Abs(m.Lon) > lonLimit {
			return false
		}
	}
	if now.Sub(m.TS) > maxAgeForSanity || m.TS.Sub(now) > time.Minute {
		return false
	}
	if m.Kind == KindAircraft && m.Speed != nil && *m.Speed > maxSpeedKnots {
		return false
	}
	if m.Altitude != nil && *m.Altitude > maxAltitudeFeet {
		return false
	}
	return true
}

func kindForSource(s Source) EntityKind {
	switch s {
	case SourceADSB:
		return KindAircraft
	default:
		return KindVessel
	}
}

func (n *Normalizer) reject(raw RawMsg, reason RejectReason, detail string) (NormMsg, error) {
	if n.sampler != nil {
		n.sampler.Record(raw.Source, reason, detail)
	}
	return NormMsg{}, &RejectError{Reason: reason, Detail: detail}
}
