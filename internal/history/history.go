// Package history is the append-only relational store: a pgx/v5 pool-backed
// writer that upserts entity metadata and batches position inserts, flushed
// on a size-or-timeout trigger (accumulate until batchSize or a ticker fires,
// then flush as one round-trip; flush also runs on shutdown).
package history

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fusionradar/fusionradar/internal/fusion"
	"github.com/fusionradar/fusionradar/internal/geo"
	"github.com/fusionradar/fusionradar/internal/ingest"
	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id   TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	name        TEXT,
	callsign    TEXT,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	entity_id TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	lat       DOUBLE PRECISION NOT NULL,
	lon       DOUBLE PRECISION NOT NULL,
	speed     DOUBLE PRECISION,
	course    DOUBLE PRECISION,
	heading   DOUBLE PRECISION,
	altitude  DOUBLE PRECISION,
	status    TEXT,
	source    TEXT NOT NULL,
	score     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (entity_id, ts)
);
`

// Writer batches FusedRecords into Postgres. It is safe for concurrent use
// by multiple orchestrator workers.
type Writer struct {
	pool *pgxpool.Pool

	batchSize    int
	batchTimeout time.Duration
	minDistance  float64
	maxAge       time.Duration

	mu      sync.Mutex
	lastPos map[normalize.EntityKey]geo.Point
	lastTS  map[normalize.EntityKey]time.Time
}

// Option configures a Writer.
type Option func(*Writer)

func WithBatchSize(n int) Option          { return func(w *Writer) { w.batchSize = n } }
func WithBatchTimeout(d time.Duration) Option { return func(w *Writer) { w.batchTimeout = d } }
func WithMinMoveFilter(minDistance float64, maxAge time.Duration) Option {
	return func(w *Writer) { w.minDistance = minDistance; w.maxAge = maxAge }
}

// NewWriter builds a Writer against an already-connected pool.
func NewWriter(pool *pgxpool.Pool, opts ...Option) *Writer {
	w := &Writer{
		pool:         pool,
		batchSize:    50,
		batchTimeout: 2 * time.Second,
		lastPos:      make(map[normalize.EntityKey]geo.Point),
		lastTS:       make(map[normalize.EntityKey]time.Time),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// EnsureSchema creates the entities/positions tables if they don't exist,
// running its own idempotent DDL at startup rather than requiring an
// external migration step.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, schema)
	return err
}

// shouldSkip applies the optional min-move filter, skipping the history
// insert if the entity barely moved and not much time has passed.
func (w *Writer) shouldSkip(rec fusion.FusedRecord) bool {
	if w.minDistance <= 0 && w.maxAge <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastPos[rec.Key]
	lastTS, tsOK := w.lastTS[rec.Key]
	if !ok || !tsOK {
		w.lastPos[rec.Key] = geo.Point{Lat: rec.Lat, Lon: rec.Lon}
		w.lastTS[rec.Key] = rec.TS
		return false
	}
	dist := geo.HaversineMeters(last, geo.Point{Lat: rec.Lat, Lon: rec.Lon})
	dt := rec.TS.Sub(lastTS)
	if dist < w.minDistance && dt < w.maxAge {
		return true
	}
	w.lastPos[rec.Key] = geo.Point{Lat: rec.Lat, Lon: rec.Lon}
	w.lastTS[rec.Key] = rec.TS
	return false
}

// Run consumes FusedRecords from in, batching until batchSize or
// batchTimeout, and flushes the batch through FlushBatch. Failed flushes
// are reported to onFail (typically the DLQ) with the records that failed.
func (w *Writer) Run(ctx context.Context, in <-chan fusion.FusedRecord, onFail func([]fusion.FusedRecord, error)) {
	var batch []fusion.FusedRecord
	ticker := time.NewTicker(w.batchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.FlushBatch(ctx, batch); err != nil {
			monitoring.PersistFailures.WithLabelValues("history").Inc()
			if onFail != nil {
				onFail(batch, err)
			}
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			if w.shouldSkip(rec) {
				continue
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// FlushBatch upserts the parent entity row (COALESCE-preserving existing
// metadata) and inserts each position idempotently on (entity_id, ts), as a
// single pipelined batch round-trip.
func (w *Writer) FlushBatch(ctx context.Context, recs []fusion.FusedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { monitoring.PersistDuration.WithLabelValues("history").Observe(time.Since(start).Seconds()) }()

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(`
			INSERT INTO entities (entity_id, kind, name, callsign, first_seen, last_seen)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (entity_id) DO UPDATE SET
				kind      = EXCLUDED.kind,
				name      = COALESCE(NULLIF(EXCLUDED.name, ''), entities.name),
				callsign  = COALESCE(NULLIF(EXCLUDED.callsign, ''), entities.callsign),
				last_seen = GREATEST(entities.last_seen, EXCLUDED.last_seen)
		`, string(rec.Key), string(rec.Kind), rec.Name, rec.Callsign, rec.TS)

		batch.Queue(`
			INSERT INTO positions (entity_id, ts, lat, lon, speed, course, heading, altitude, status, source, score)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (entity_id, ts) DO UPDATE SET
				lat = EXCLUDED.lat, lon = EXCLUDED.lon, speed = EXCLUDED.speed,
				course = EXCLUDED.course, heading = EXCLUDED.heading, altitude = EXCLUDED.altitude,
				status = EXCLUDED.status, source = EXCLUDED.source, score = EXCLUDED.score
		`, string(rec.Key), rec.TS, rec.Lat, rec.Lon, rec.Speed, rec.Course, rec.Heading, rec.Altitude, rec.Status, string(rec.Source), rec.Score)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return ingest.NewPersistError(ingest.TransientIO, err)
		}
	}
	return nil
}

// Close releases the pool.
func (w *Writer) Close() { w.pool.Close() }
