package normalize

import (
	"encoding/json"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNormalizeMMSI(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"367000001", "367000001", true},
		{"367 000 001", "367000001", true},
		{"1234567", "001234567", true},
		{"000000000", "", false},
		{"999999999", "", false},
		{"123", "", false},
		{"12345678901", "", false},
	}
	for _, c := range cases {
		got, ok := NormalizeMMSI(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("NormalizeMMSI(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestAircraftKey_Precedence(t *testing.T) {
	k, ok := AircraftKey("FL123", "N12345", "UAL123")
	if !ok || k != "FL123" {
		t.Fatalf("expected flight id to win, got %q", k)
	}
	k, ok = AircraftKey("", "n12345", "UAL123")
	if !ok || k != "N12345" {
		t.Fatalf("expected registration fallback, got %q", k)
	}
	k, ok = AircraftKey("", "", "ual123")
	if !ok || k != "UAL123" {
		t.Fatalf("expected callsign fallback, got %q", k)
	}
	if _, ok := AircraftKey("", "", ""); ok {
		t.Fatal("expected no key when all fields empty")
	}
}

func vesselPayload(mmsi string, lat, lon float64, ts time.Time) []byte {
	b, _ := json.Marshal(map[string]any{
		"mmsi": mmsi,
		"lat":  lat,
		"lon":  lon,
		"ts":   ts.Format(time.RFC3339),
		"sog":  12.3,
		"cog":  90.0,
	})
	return b
}

func TestNormalize_ValidVesselRecord(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := New(nil, WithClock(fixedClock(now)))
	raw := RawMsg{Source: SourceAISWebSocket, Payload: vesselPayload("367000001", 10.5, 20.5, now.Add(-time.Second)), ReceivedAt: now}
	msg, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected reject: %v", err)
	}
	if msg.Key != NewEntityKey(KindVessel, "367000001") {
		t.Fatalf("unexpected key: %s", msg.Key)
	}
	if !msg.Sane {
		t.Fatal("expected sane record")
	}
	if msg.SourceWeight != WeightFor(SourceAISWebSocket) {
		t.Fatalf("unexpected source weight: %f", msg.SourceWeight)
	}
}

func TestNormalize_RejectsBadMMSI(t *testing.T) {
	n := New(nil)
	raw := RawMsg{Source: SourceAISWebSocket, Payload: vesselPayload("000000000", 1, 1, time.Now())}
	_, err := n.Normalize(raw)
	var rejErr *RejectError
	if err == nil {
		t.Fatal("expected reject error")
	}
	if !asRejectError(err, &rejErr) || rejErr.Reason != RejectBadKey {
		t.Fatalf("expected RejectBadKey, got %v", err)
	}
}

func TestNormalize_RejectsOutOfRangePosition(t *testing.T) {
	n := New(nil)
	raw := RawMsg{Source: SourceAISWebSocket, Payload: vesselPayload("367000001", 1, 200, time.Now())}
	_, err := n.Normalize(raw)
	var rejErr *RejectError
	if !asRejectError(err, &rejErr) || rejErr.Reason != RejectBadPosition {
		t.Fatalf("expected RejectBadPosition, got %v", err)
	}
}

func TestNormalize_RejectsTooOldWithMaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := New(nil, WithClock(fixedClock(now)), WithMaxAge(time.Minute))
	raw := RawMsg{Source: SourceAISWebSocket, Payload: vesselPayload("367000001", 1, 1, now.Add(-time.Hour))}
	_, err := n.Normalize(raw)
	var rejErr *RejectError
	if !asRejectError(err, &rejErr) || rejErr.Reason != RejectTooOld {
		t.Fatalf("expected RejectTooOld, got %v", err)
	}
}

func TestNormalize_AircraftUsesCallsignFallback(t *testing.T) {
	now := time.Now()
	payload, _ := json.Marshal(map[string]any{
		"callsign": "ual123",
		"lat":      40.0,
		"lon":      -74.0,
		"time":     now.Unix(),
	})
	n := New(nil)
	msg, err := n.Normalize(RawMsg{Source: SourceADSB, Payload: payload})
	if err != nil {
		t.Fatalf("unexpected reject: %v", err)
	}
	if msg.Kind != KindAircraft {
		t.Fatalf("expected aircraft kind, got %s", msg.Kind)
	}
	if msg.Key != NewEntityKey(KindAircraft, "UAL123") {
		t.Fatalf("unexpected key: %s", msg.Key)
	}
}

// asRejectError unwraps err into a *RejectError, mirroring errors.As without
// importing it just for a type assertion in these tests.
func asRejectError(err error, target **RejectError) bool {
	re, ok := err.(*RejectError)
	if ok {
		*target = re
	}
	return ok
}
