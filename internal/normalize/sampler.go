package normalize

import (
	"sync"
	"time"

	"github.com/fusionradar/fusionradar/internal/monitoring"
)

// RejectSampler counts rejected records by (source, reason) and logs one
// example at most once per sampleEvery, per (source, reason) pair.
type RejectSampler struct {
	mu         sync.Mutex
	counts     map[string]int64
	lastLogged map[string]time.Time
	sampleEvery time.Duration
	now        func() time.Time
}

// NewRejectSampler builds a sampler that logs at most one example per
// sampleEvery for each distinct (source, reason) pair.
func NewRejectSampler(sampleEvery time.Duration) *RejectSampler {
	if sampleEvery <= 0 {
		sampleEvery = 30 * time.Second
	}
	return &RejectSampler{
		counts:      make(map[string]int64),
		lastLogged:  make(map[string]time.Time),
		sampleEvery: sampleEvery,
		now:         time.Now,
	}
}

func (s *RejectSampler) Record(source Source, reason RejectReason, detail string) {
	key := string(source) + "|" + string(reason)
	s.mu.Lock()
	s.counts[key]++
	count := s.counts[key]
	last, seen := s.lastLogged[key]
	now := s.now()
	shouldLog := !seen || now.Sub(last) >= s.sampleEvery
	if shouldLog {
		s.lastLogged[key] = now
	}
	s.mu.Unlock()

	monitoring.RejectsTotal.WithLabelValues(string(source), string(reason)).Inc()
	if shouldLog {
		monitoring.Debugf("normalize reject source=%s reason=%s count=%d detail=%q", source, reason, count, detail)
	}
}

// Counts returns a snapshot of rejection counts keyed by "source|reason".
func (s *RejectSampler) Counts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
