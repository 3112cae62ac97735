package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
)

// adsbStates mirrors the subset of an OpenSky-style /states/all response
// this adapter needs: a flat array of heterogeneously-typed fields per
// aircraft.
type adsbStates struct {
	States [][]interface{} `json:"states"`
}

// ADSBAdapter polls an HTTP states endpoint on a fixed interval and forwards
// each row as a RawMsg holding a JSON object keyed by the OpenSky field names.
type ADSBAdapter struct {
	*outbox
	endpoint string
	user     string
	pass     string
	interval time.Duration
	client   *http.Client
	cancel   context.CancelFunc
}

// NewADSBAdapter builds an ADS-B states poller. user/pass are optional Basic
// Auth credentials for endpoints that require them for higher rate-limit
// quotas.
func NewADSBAdapter(endpoint, user, pass string, interval time.Duration) *ADSBAdapter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ADSBAdapter{
		outbox:   newOutbox("adsb"),
		endpoint: endpoint,
		user:     user,
		pass:     pass,
		interval: interval,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *ADSBAdapter) Name() string { return a.outbox.name }

func (a *ADSBAdapter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.pollLoop(ctx)
}

func (a *ADSBAdapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *ADSBAdapter) pollLoop(ctx context.Context) {
	sleep := a.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			sleep = a.pollOnce(ctx)
		}
	}
}

func (a *ADSBAdapter) pollOnce(ctx context.Context) time.Duration {
	states, err := a.fetch(ctx)
	if err != nil {
		a.setConnected(false)
		a.recordErr(err)
		a.recordReconnect()
		monitoring.Warnf("ingest[adsb]: fetch failed: %v", err)
		return a.interval
	}
	a.setConnected(true)
	fields := []string{"icao24", "callsign", "origin_country", "time_position", "last_contact",
		"longitude", "latitude", "baro_altitude", "on_ground", "velocity", "true_track",
		"vertical_rate", "sensors", "geo_altitude"}
	for _, st := range states.States {
		obj := make(map[string]interface{}, len(fields))
		for i, v := range st {
			if i < len(fields) && v != nil {
				obj[fields[i]] = v
			}
		}
		b, merr := json.Marshal(obj)
		if merr != nil {
			continue
		}
		a.push(normalize.RawMsg{Source: normalize.SourceADSB, Payload: b, ReceivedAt: time.Now()})
	}
	return a.interval
}

func (a *ADSBAdapter) fetch(ctx context.Context) (*adsbStates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return nil, err
	}
	if a.user != "" && a.pass != "" {
		req.SetBasicAuth(a.user, a.pass)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("adsb endpoint rate limited: status=%d retry_after=%s", resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("adsb endpoint status %d", resp.StatusCode)
	}
	var data adsbStates
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
