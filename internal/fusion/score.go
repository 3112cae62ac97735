package fusion

import (
	"time"

	"github.com/fusionradar/fusionradar/internal/normalize"
)

// ScoreWeights are the three coefficients behind Score: the single tunable
// policy lever. Callers may adjust the weights but must preserve the three
// terms and their semantic direction.
type ScoreWeights struct {
	Recency      float64
	SourceWeight float64
	Physical     float64
}

// DefaultWeights is the baseline 0.5/0.3/0.2 split.
var DefaultWeights = ScoreWeights{Recency: 0.5, SourceWeight: 0.3, Physical: 0.2}

// Score is a pure function of msg and now.
//
//	score = 0.5*recency + 0.3*sourceWeight + 0.2*physicalValid
//	recency = max(0, 1 - ageMinutes/15)
func Score(w ScoreWeights, msg normalize.NormMsg, now time.Time) float64 {
	ageMinutes := now.Sub(msg.TS).Minutes()
	recency := 1 - ageMinutes/15
	if recency < 0 {
		recency = 0
	}
	physical := 0.0
	if msg.Sane {
		physical = 1.0
	}
	return w.Recency*recency + w.SourceWeight*msg.SourceWeight + w.Physical*physical
}
