// Package orchestrator wires every stage of the pipeline together: source
// adapters feed the normalizer, the normalizer feeds the fusion engine, a
// fixed-size worker pool drives per-entity decisions and fans winning
// records out to the hot view, the history writer, the DLQ and the bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fusionradar/fusionradar/internal/bus"
	"github.com/fusionradar/fusionradar/internal/config"
	"github.com/fusionradar/fusionradar/internal/dlq"
	"github.com/fusionradar/fusionradar/internal/fusion"
	"github.com/fusionradar/fusionradar/internal/history"
	"github.com/fusionradar/fusionradar/internal/hotview"
	"github.com/fusionradar/fusionradar/internal/ingest"
	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

const rawFanInBuffer = 4096

// Orchestrator owns the process's single running pipeline instance.
type Orchestrator struct {
	cfg      *config.Holder
	adapters []ingest.Adapter
	norm     *normalize.Normalizer
	engine   *fusion.Engine
	hot      *hotview.Store
	hist     *history.Writer
	dead     *dlq.Queue
	b        *bus.Bus

	decideInterval time.Duration
	hotSweepEvery  time.Duration
	dlqSweepEvery  time.Duration
	dlqBatchSize   int

	historyCh chan fusion.FusedRecord

	batches    atomic.Int64
	normalized atomic.Int64
	published  atomic.Int64
}

// Status is a point-in-time operator snapshot of the whole pipeline: every
// adapter's connection state plus fusion/DLQ counters.
type Status struct {
	Adapters []ingest.Status `json:"adapters"`
	Fusion   struct {
		Batches    int64 `json:"batches"`
		Normalized int64 `json:"normalized"`
		Published  int64 `json:"published"`
		WindowKeys int   `json:"windowKeys"`
	} `json:"fusion"`
	DLQ struct {
		Pending int `json:"pending"`
		Dead    int `json:"dead"`
	} `json:"dlq"`
}

// Status reports the current pipeline snapshot, safe to call concurrently
// with Run.
func (o *Orchestrator) Status() Status {
	var s Status
	s.Adapters = make([]ingest.Status, 0, len(o.adapters))
	for _, a := range o.adapters {
		s.Adapters = append(s.Adapters, a.Status())
	}
	s.Fusion.Batches = o.batches.Load()
	s.Fusion.Normalized = o.normalized.Load()
	s.Fusion.Published = o.published.Load()
	s.Fusion.WindowKeys = len(o.engine.ActiveKeys())
	pending, dead := o.dead.Depth()
	s.DLQ.Pending = pending
	s.DLQ.Dead = dead
	return s
}

// New builds an Orchestrator from its already-constructed collaborators.
func New(
	cfg *config.Holder,
	adapters []ingest.Adapter,
	norm *normalize.Normalizer,
	engine *fusion.Engine,
	hot *hotview.Store,
	hist *history.Writer,
	dead *dlq.Queue,
	b *bus.Bus,
) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		adapters:       adapters,
		norm:           norm,
		engine:         engine,
		hot:            hot,
		hist:           hist,
		dead:           dead,
		b:              b,
		decideInterval: time.Second,
		hotSweepEvery:  10 * time.Minute,
		dlqSweepEvery:  5 * time.Minute,
		dlqBatchSize:   100,
		historyCh:      make(chan fusion.FusedRecord, 1024),
	}
}

// Run starts every adapter, the normalize/decide loops and the background
// sweepers, blocking until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, a := range o.adapters {
		a.Start(ctx)
	}

	rawCh := make(chan normalize.RawMsg, rawFanInBuffer)
	for _, a := range o.adapters {
		wg.Add(1)
		go func(a ingest.Adapter) {
			defer wg.Done()
			o.fanIn(ctx, a, rawCh)
		}(a)
	}

	workers := o.cfg.Get().Concurrency.MaxParallelFusion
	if workers <= 0 {
		workers = 10
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.normalizeLoop(ctx, rawCh)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.hist.Run(ctx, o.historyCh, o.onHistoryFail)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.dead.RunSweeper(ctx, o.dlqSweepEvery, o.dlqBatchSize, o.retryHistoryWrite)
	}()

	stopHotSweep := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.hot.RunSweeper(o.hotSweepEvery, stopHotSweep)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.decideLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.configSubscriptionLoop(ctx)
	}()

	<-ctx.Done()
	close(stopHotSweep)
	wg.Wait()
}

func (o *Orchestrator) fanIn(ctx context.Context, a ingest.Adapter, out chan<- normalize.RawMsg) {
	in := a.Stream()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (o *Orchestrator) normalizeLoop(ctx context.Context, in <-chan normalize.RawMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			msg, err := o.norm.Normalize(raw)
			if err != nil {
				continue
			}
			monitoring.Normalized.WithLabelValues(string(raw.Source)).Inc()
			o.normalized.Add(1)
			o.batches.Add(1)
			o.engine.Ingest([]normalize.NormMsg{msg})
			o.decideAndPublish(msg.Key)
		}
	}
}

// decideLoop periodically re-runs Decide for every entity currently holding
// window data, whether or not a new message arrived for it since the last
// Decide call.
func (o *Orchestrator) decideLoop(ctx context.Context) {
	t := time.NewTicker(o.decideInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, key := range o.engine.ActiveKeys() {
				o.decideAndPublish(key)
			}
		}
	}
}

func (o *Orchestrator) decideAndPublish(key normalize.EntityKey) {
	d := o.engine.Decide(key)
	if d.Best == nil || !d.Publish {
		return
	}
	best := *d.Best
	rec := fusion.FusedRecord{NormMsg: best, Score: fusion.Score(fusion.DefaultWeights, best, best.IngestTS), PublishedAt: time.Now()}

	hotRec := hotview.Record{
		Key: best.Key, Kind: best.Kind, Lat: best.Lat, Lon: best.Lon, TS: best.TS.UnixMilli(),
		Speed: best.Speed, Course: best.Course, Heading: best.Heading,
		Status: best.Status, Source: best.Source, Score: rec.Score,
		Name: best.Name, Callsign: best.Callsign,
	}
	if err := o.hot.Upsert(hotRec); err != nil {
		monitoring.Warnf("orchestrator: hotview upsert failed for %s, retrying once: %v", key, err)
		if err := o.hot.Upsert(hotRec); err != nil {
			monitoring.Errorf("orchestrator: hotview upsert failed twice for %s, enqueueing to DLQ: %v", key, err)
			o.dead.Enqueue(rec, "hotview upsert failed: "+err.Error())
		}
	}

	o.engine.MarkPublished(key, best.TS, best.Lat, best.Lon)
	monitoring.FusionPublished.Inc()
	o.published.Add(1)

	if b, err := json.Marshal(rec); err == nil {
		o.b.Publish(bus.ChannelPositionUpdate, b)
	}

	select {
	case o.historyCh <- rec:
	default:
		o.dead.Enqueue(rec, "history channel saturated")
	}
}

func (o *Orchestrator) onHistoryFail(recs []fusion.FusedRecord, err error) {
	for _, r := range recs {
		o.dead.Enqueue(r, err.Error())
	}
}

func (o *Orchestrator) retryHistoryWrite(ctx context.Context, rec fusion.FusedRecord) error {
	return o.hist.FlushBatch(ctx, []fusion.FusedRecord{rec})
}

// configSubscriptionLoop applies config:update bus messages to the shared
// Holder. Each payload is decoded over the current settings, so fields it
// does not name keep their values. Fusion windows are not reset, but the
// engine reads the Holder on every Ingest and Decide call, so the new values
// also govern entries already in a window.
func (o *Orchestrator) configSubscriptionLoop(ctx context.Context) {
	updates, unsubscribe := o.b.Subscribe(bus.ChannelConfigUpdate)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-updates:
			s := o.cfg.Get()
			if err := json.Unmarshal(msg.Payload, &s); err != nil {
				monitoring.Warnf("orchestrator: malformed config:update payload: %v", err)
				continue
			}
			o.cfg.Apply(s)
			monitoring.Debugf("orchestrator: applied config update")
		}
	}
}
