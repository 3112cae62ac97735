package fusion

import (
	"time"

	"github.com/fusionradar/fusionradar/internal/normalize"
)

// FusedRecord is the winning NormMsg plus computed score and publish time.
type FusedRecord struct {
	normalize.NormMsg
	Score       float64
	PublishedAt time.Time
}
