// Package hotview is the keyed "where is entity X right now" store. It is
// backed by buntdb, using prefix-scanned string keys with per-record TTLs,
// generalized from a single aircraft feed to any EntityKey and given a real
// spatial index instead of a full scan.
package hotview

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/fusionradar/fusionradar/internal/geo"
	"github.com/fusionradar/fusionradar/internal/ingest"
	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

// Record is the latest-known state for one entity, as stored under
// latest:{key}.
type Record struct {
	Key      normalize.EntityKey `json:"key"`
	Kind     normalize.EntityKind `json:"kind"`
	Lat      float64             `json:"lat"`
	Lon      float64             `json:"lon"`
	TS       int64               `json:"ts"` // unix millis
	Speed    *float64            `json:"speed,omitempty"`
	Course   *float64            `json:"course,omitempty"`
	Heading  *float64            `json:"heading,omitempty"`
	Status   string              `json:"status,omitempty"`
	Source   normalize.Source    `json:"source"`
	Score    float64             `json:"score"`
	Name     string              `json:"name,omitempty"`
	Callsign string              `json:"callsign,omitempty"`
}

const (
	spatialIndexName = "geo_now"
	latestPrefix     = "latest:"
	geoPrefix        = "geo:"
	activePrefix     = "active:"
)

// Store is the hot view: an in-memory (or file-backed) buntdb database
// holding the spatial index, the latest-record map and the active set used
// for retention sweeps and ActiveKeys scans.
type Store struct {
	db         *buntdb.DB
	ttl        time.Duration
	retention  time.Duration
	stopSweep  chan struct{}
}

// Open opens a buntdb database at path (":memory:" for an in-process-only
// store) and creates the spatial index over geo:* records.
func Open(path string, ttl, retention time.Duration) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.CreateSpatialIndex(spatialIndexName, geoPrefix+"*", buntdb.IndexRect); err != nil && err != buntdb.ErrIndexExists {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, ttl: ttl, retention: retention, stopSweep: make(chan struct{})}
	return s, nil
}

func (s *Store) Close() error {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
	return s.db.Close()
}

// rectString renders a buntdb spatial rect string for a single point, as
// required by IndexRect parsing ("[lon lat],[lon lat]" for degenerate
// point rects).
func rectString(lon, lat float64) string {
	return fmt.Sprintf("[%g %g],[%g %g]", lon, lat, lon, lat)
}

// Upsert atomically writes the spatial rect, the latest-record JSON and the
// active-set membership for rec's key, as a single pipelined batch.
func (s *Store) Upsert(rec Record) error {
	start := time.Now()
	b, err := json.Marshal(rec)
	if err != nil {
		monitoring.PersistFailures.WithLabelValues("hotview").Inc()
		return ingest.NewPersistError(ingest.Malformed, err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(latestPrefix+string(rec.Key), string(b), &buntdb.SetOptions{Expires: true, TTL: s.ttl}); err != nil {
			return err
		}
		if _, _, err := tx.Set(geoPrefix+string(rec.Key), rectString(rec.Lon, rec.Lat), &buntdb.SetOptions{Expires: true, TTL: s.ttl}); err != nil {
			return err
		}
		activeKey := fmt.Sprintf("%s%020d:%s", activePrefix, rec.TS, rec.Key)
		_, _, err := tx.Set(activeKey, string(rec.Key), &buntdb.SetOptions{Expires: true, TTL: s.retention})
		return err
	})
	monitoring.PersistDuration.WithLabelValues("hotview").Observe(time.Since(start).Seconds())
	if err != nil {
		monitoring.PersistFailures.WithLabelValues("hotview").Inc()
		return ingest.NewPersistError(ingest.TransientIO, err)
	}
	return nil
}

// Get returns the latest record for key, if present and unexpired.
func (s *Store) Get(key normalize.EntityKey) (Record, bool) {
	var rec Record
	found := false
	_ = s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(latestPrefix + string(key))
		if err != nil {
			return nil
		}
		found = json.Unmarshal([]byte(v), &rec) == nil
		return nil
	})
	return rec, found
}

// InBBox returns all unexpired latest records whose position falls inside b,
// using the spatial index rather than a full scan, as a real R-tree bbox
// query.
func (s *Store) InBBox(b geo.BBox) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *buntdb.Tx) error {
		var keys []string
		bounds := fmt.Sprintf("[%g %g],[%g %g]", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
		ierr := tx.Intersects(spatialIndexName, bounds, func(key, val string) bool {
			keys = append(keys, strings.TrimPrefix(key, geoPrefix))
			return true
		})
		if ierr != nil {
			return ierr
		}
		for _, k := range keys {
			v, err := tx.Get(latestPrefix + k)
			if err != nil {
				continue
			}
			var rec Record
			if json.Unmarshal([]byte(v), &rec) == nil {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// ActiveKeys returns entity keys from the active set with ts >= now-staleCutoff,
// in ascending-ts order.
func (s *Store) ActiveKeys(now time.Time, staleCutoff time.Duration) ([]normalize.EntityKey, error) {
	cutoffMs := now.Add(-staleCutoff).UnixMilli()
	var keys []normalize.EntityKey
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(activePrefix+"*", func(key, val string) bool {
			ts, ok := parseActiveTS(key)
			if ok && ts < cutoffMs {
				return true
			}
			keys = append(keys, normalize.EntityKey(val))
			return true
		})
	})
	return keys, err
}

func parseActiveTS(key string) (int64, bool) {
	rest := strings.TrimPrefix(key, activePrefix)
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return 0, false
	}
	var ts int64
	_, err := fmt.Sscanf(rest[:sep], "%d", &ts)
	return ts, err == nil
}

// Sweep removes active-set entries older than the retention window; latest
// and geo records are left to expire through their own TTL. Run on a fixed timer from the orchestrator rather than a sampled
// "once per N records" heuristic, which could starve under low traffic.
func (s *Store) Sweep(now time.Time) (removed int, err error) {
	cutoffMs := now.Add(-s.retention).UnixMilli()
	err = s.db.Update(func(tx *buntdb.Tx) error {
		var stale []string
		_ = tx.AscendKeys(activePrefix+"*", func(key, val string) bool {
			ts, ok := parseActiveTS(key)
			if ok && ts < cutoffMs {
				stale = append(stale, key)
			}
			return true
		})
		for _, k := range stale {
			_, _ = tx.Delete(k)
			removed++
		}
		return nil
	})
	return removed, err
}

// RunSweeper starts a ticker-driven retention sweep loop; it stops when stop
// is closed or Close is called. A dedicated ticker runs deterministically rather
// than sampling a fraction of writes.
func (s *Store) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			n, err := s.Sweep(now)
			if err != nil {
				monitoring.Errorf("hotview sweep failed: %v", err)
				continue
			}
			if n > 0 {
				monitoring.Debugf("hotview sweep removed %d stale entries", n)
			}
		case <-stop:
			return
		case <-s.stopSweep:
			return
		}
	}
}
