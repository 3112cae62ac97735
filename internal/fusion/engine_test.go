package fusion

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/fusionradar/fusionradar/internal/config"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

func testEngine() *Engine {
	return New(config.NewHolder(config.Default()))
}

func msg(key normalize.EntityKey, src normalize.Source, ts time.Time, lat, lon float64, sane bool) normalize.NormMsg {
	return normalize.NormMsg{
		Key: key, Kind: normalize.KindVessel, Source: src,
		SourceWeight: normalize.WeightFor(src),
		TS:           ts, IngestTS: ts,
		Lat: lat, Lon: lon, Sane: sane,
	}
}

func TestDecide_EmptyWindowNoPublish(t *testing.T) {
	e := testEngine()
	d := e.Decide(normalize.EntityKey("vessel:1"))
	if d.Publish || d.Best != nil {
		t.Fatalf("expected no decision for empty window, got %+v", d)
	}
}

func TestDecide_FirstSaneMessagePublishes(t *testing.T) {
	e := testEngine()
	key := normalize.EntityKey("vessel:1")
	now := time.Now().UTC()
	e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, now, 10, 20, true)})

	d := e.Decide(key)
	if !d.Publish || d.Best == nil {
		t.Fatalf("expected publish on first sane message, got %+v", d)
	}
}

func TestDecide_InsaneOnlyNeverPublishes(t *testing.T) {
	e := testEngine()
	key := normalize.EntityKey("vessel:2")
	now := time.Now().UTC()
	e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, now, 10, 20, false)})

	d := e.Decide(key)
	if d.Publish {
		t.Fatalf("expected no publish for insane-only window, got %+v", d)
	}
}

func TestDecide_MonotonicPublishTimestamps(t *testing.T) {
	e := testEngine()
	key := normalize.EntityKey("vessel:3")
	base := time.Now().UTC().Add(-45 * time.Second)

	var lastPublishedTS time.Time
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Second)
		e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, ts, float64(i), float64(i), true)})
		d := e.Decide(key)
		if d.Publish {
			if !d.Best.TS.After(lastPublishedTS) && !lastPublishedTS.IsZero() {
				t.Fatalf("publish went backwards: last=%v new=%v", lastPublishedTS, d.Best.TS)
			}
			e.MarkPublished(key, d.Best.TS, d.Best.Lat, d.Best.Lon)
			lastPublishedTS = d.Best.TS
		}
	}
}

func TestDecide_RateGateSuppressesTooFrequentPublish(t *testing.T) {
	e := testEngine()
	key := normalize.EntityKey("vessel:4")
	base := time.Now().UTC().Add(-10 * time.Second)

	e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, base, 0, 0, true)})
	d := e.Decide(key)
	if !d.Publish {
		t.Fatalf("expected first publish")
	}
	e.MarkPublished(key, d.Best.TS, d.Best.Lat, d.Best.Lon)

	// Second message 1s later, at the same position: neither rate nor move
	// gate should clear.
	ts2 := base.Add(time.Second)
	e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, ts2, 0, 0, true)})
	d2 := e.Decide(key)
	if d2.Publish {
		t.Fatalf("expected rate gate to suppress publish, got %+v", d2)
	}
}

func TestDecide_MoveGateOverridesRateGate(t *testing.T) {
	e := testEngine()
	key := normalize.EntityKey("vessel:5")
	base := time.Now().UTC().Add(-10 * time.Second)

	e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, base, 0, 0, true)})
	d := e.Decide(key)
	e.MarkPublished(key, d.Best.TS, d.Best.Lat, d.Best.Lon)

	// 1s later but 1 degree away (~111km) — movement gate should still allow
	// publish despite the rate gate not clearing.
	ts2 := base.Add(time.Second)
	e.Ingest([]normalize.NormMsg{msg(key, normalize.SourceAISWebSocket, ts2, 1, 1, true)})
	d2 := e.Decide(key)
	if !d2.Publish {
		t.Fatalf("expected move gate to allow publish, got %+v", d2)
	}
}

func TestDecide_WindowOnlySelection(t *testing.T) {
	f := func(ages []uint8) bool {
		if len(ages) == 0 {
			return true
		}
		e := testEngine()
		key := normalize.EntityKey("vessel:quick")
		now := time.Now().UTC()
		msgs := make([]normalize.NormMsg, 0, len(ages))
		for i, a := range ages {
			ts := now.Add(-time.Duration(a) * time.Second)
			msgs = append(msgs, msg(key, normalize.SourceAISWebSocket, ts, float64(i), float64(i), true))
		}
		e.Ingest(msgs)
		d := e.Decide(key)
		if d.Best == nil {
			return true
		}
		windowMs := e.cfg.Get().Fusion.WindowMs
		return now.Sub(d.Best.TS) <= time.Duration(windowMs)*time.Millisecond+time.Second
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestMarkPublished_Idempotent(t *testing.T) {
	e := testEngine()
	key := normalize.EntityKey("vessel:6")
	now := time.Now().UTC()
	e.MarkPublished(key, now, 1, 1)
	e.MarkPublished(key, now.Add(-time.Minute), 2, 2)

	ts, ok := e.LastPublishedTS(key)
	if !ok || !ts.Equal(now) {
		t.Fatalf("expected idempotent MarkPublished to keep latest ts, got %v", ts)
	}
}
