// Package fusion implements the per-entity sliding window, scoring,
// best-pick selection and rate/movement/monotonicity gates.
package fusion

import (
	"sort"
	"time"

	"github.com/fusionradar/fusionradar/internal/config"
	"github.com/fusionradar/fusionradar/internal/geo"
	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

// Engine is the fusion state: per-entity windows and last-published
// markers, sharded to bound lock contention.
type Engine struct {
	shards  [shardCount]*shard
	cfg     *config.Holder
	weights ScoreWeights
	now     func() time.Time
}

// New builds an Engine bound to cfg for its tunables.
func New(cfg *config.Holder) *Engine {
	e := &Engine{cfg: cfg, weights: DefaultWeights, now: time.Now}
	for i := range e.shards {
		e.shards[i] = newShard()
	}
	return e
}

func (e *Engine) shardFor(key normalize.EntityKey) *shard {
	return e.shards[shardFor(key)]
}

// Ingest appends each message to its entity's window (kept time-ordered by
// insertion), then trims entries older than now-windowMs. Trimming is
// skipped when AcceptAll backfill mode is enabled.
func (e *Engine) Ingest(msgs []normalize.NormMsg) {
	cfg := e.cfg.Get().Fusion
	now := e.now()
	for _, m := range msgs {
		s := e.shardFor(m.Key)
		s.mu.Lock()
		w := s.windows[m.Key]
		w = insertSorted(w, m)
		if !cfg.AcceptAll {
			w = trim(w, now, time.Duration(cfg.WindowMs)*time.Millisecond)
		}
		if len(w) == 0 {
			delete(s.windows, m.Key)
		} else {
			s.windows[m.Key] = w
		}
		s.mu.Unlock()
	}
	e.reportWindowKeys()
}

func (e *Engine) reportWindowKeys() {
	total := 0
	for _, s := range e.shards {
		s.mu.RLock()
		total += len(s.windows)
		s.mu.RUnlock()
	}
	monitoring.FusionWindowKeys.Set(float64(total))
}

// insertSorted inserts m into w keeping ascending TS order.
func insertSorted(w []normalize.NormMsg, m normalize.NormMsg) []normalize.NormMsg {
	i := sort.Search(len(w), func(i int) bool { return w[i].TS.After(m.TS) })
	w = append(w, normalize.NormMsg{})
	copy(w[i+1:], w[i:])
	w[i] = m
	return w
}

// trim front-truncates entries with ts <= now-windowMs.
func trim(w []normalize.NormMsg, now time.Time, windowMs time.Duration) []normalize.NormMsg {
	cutoff := now.Add(-windowMs)
	i := 0
	for i < len(w) && !w[i].TS.After(cutoff) {
		i++
	}
	if i == 0 {
		return w
	}
	return append([]normalize.NormMsg(nil), w[i:]...)
}

// Decision is the result of Decide: the best candidate (if any) and whether
// it clears the publish gates.
type Decision struct {
	Best    *normalize.NormMsg
	Publish bool
}

// Decide runs the per-entity decision algorithm: candidate selection,
// tie-break, and the monotonicity/rate/movement publish gates.
func (e *Engine) Decide(key normalize.EntityKey) Decision {
	cfg := e.cfg.Get().Fusion
	now := e.now()
	s := e.shardFor(key)

	s.mu.RLock()
	window := append([]normalize.NormMsg(nil), s.windows[key]...)
	lp, hasLast := s.last[key]
	s.mu.RUnlock()

	if len(window) == 0 {
		monitoring.FusionDecisions.WithLabelValues("empty").Inc()
		return Decision{}
	}

	var candidates []normalize.NormMsg
	latenessMs := time.Duration(cfg.AllowedLatenessMs) * time.Millisecond
	for _, m := range window {
		if hasLast && !m.TS.After(lp.ts) {
			continue
		}
		if now.Sub(m.TS) > latenessMs {
			continue
		}
		if !m.Sane {
			continue
		}
		candidates = append(candidates, m)
	}

	var best *normalize.NormMsg
	backfillOnly := false
	if len(candidates) > 0 {
		best = pickBest(candidates, e.weights, now, tsDescScoreDesc)
	} else {
		// Backfill path: argmax over the entire window by score, used only
		// to save history. Not published when best.ts <= last.
		all := append([]normalize.NormMsg(nil), window...)
		best = pickBest(all, e.weights, now, scoreDescOnly)
		backfillOnly = true
	}

	if best == nil {
		monitoring.FusionDecisions.WithLabelValues("empty").Inc()
		return Decision{}
	}

	if backfillOnly {
		monitoring.FusionDecisions.WithLabelValues("backfill").Inc()
		return Decision{Best: best, Publish: false}
	}

	publish := true
	if hasLast && !best.TS.After(lp.ts) {
		publish = false
	}
	if publish {
		rateOK := !hasLast || best.TS.Sub(lp.ts) >= time.Duration(cfg.PublishMinInterval)*time.Millisecond
		moveOK := !hasLast || geo.HaversineMeters(
			geo.Point{Lat: lp.lat, Lon: lp.lon},
			geo.Point{Lat: best.Lat, Lon: best.Lon},
		) >= cfg.MinMoveMeters
		if !rateOK && !moveOK {
			publish = false
		}
	}

	if publish {
		monitoring.FusionDecisions.WithLabelValues("publish").Inc()
	} else {
		monitoring.FusionDecisions.WithLabelValues("suppressed").Inc()
	}
	return Decision{Best: best, Publish: publish}
}

type tieBreak func(weights ScoreWeights, now time.Time, a, b normalize.NormMsg) bool // a before b?

// tsDescScoreDesc orders by ts desc, then score desc, then sourceWeight
// desc, then lexicographic source id.
func tsDescScoreDesc(w ScoreWeights, now time.Time, a, b normalize.NormMsg) bool {
	if !a.TS.Equal(b.TS) {
		return a.TS.After(b.TS)
	}
	sa, sb := Score(w, a, now), Score(w, b, now)
	if sa != sb {
		return sa > sb
	}
	if a.SourceWeight != b.SourceWeight {
		return a.SourceWeight > b.SourceWeight
	}
	return a.Source < b.Source
}

// scoreDescOnly orders purely by score (the backfill-path argmax).
func scoreDescOnly(w ScoreWeights, now time.Time, a, b normalize.NormMsg) bool {
	sa, sb := Score(w, a, now), Score(w, b, now)
	if sa != sb {
		return sa > sb
	}
	if a.SourceWeight != b.SourceWeight {
		return a.SourceWeight > b.SourceWeight
	}
	return a.Source < b.Source
}

func pickBest(msgs []normalize.NormMsg, w ScoreWeights, now time.Time, before tieBreak) *normalize.NormMsg {
	if len(msgs) == 0 {
		return nil
	}
	best := msgs[0]
	for _, m := range msgs[1:] {
		if before(w, now, m, best) {
			best = m
		}
	}
	out := best
	return &out
}

// MarkPublished records a successful publish, idempotently (only if the new
// ts is strictly greater than the current lastPublishedTs). Called by the
// orchestrator after a successful publish+persist.
func (e *Engine) MarkPublished(key normalize.EntityKey, ts time.Time, lat, lon float64) {
	s := e.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.last[key]
	if ok && !ts.After(cur.ts) {
		return
	}
	s.last[key] = lastPublish{ts: ts, lat: lat, lon: lon}
}

// WindowSnapshot returns a copy of the current window for key (tests/status only).
func (e *Engine) WindowSnapshot(key normalize.EntityKey) []normalize.NormMsg {
	s := e.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]normalize.NormMsg(nil), s.windows[key]...)
}

// ActiveKeys returns every entity key currently holding window data, for
// the scheduler driving periodic Decide calls.
func (e *Engine) ActiveKeys() []normalize.EntityKey {
	var out []normalize.EntityKey
	for _, s := range e.shards {
		s.mu.RLock()
		for k := range s.windows {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	return out
}

// LastPublishedTS returns the last-published timestamp for key, if any.
func (e *Engine) LastPublishedTS(key normalize.EntityKey) (time.Time, bool) {
	s := e.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	lp, ok := s.last[key]
	return lp.ts, ok
}
