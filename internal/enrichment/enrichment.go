// Package enrichment is the external collaborator contract for on-demand
// metadata lookups (vessel registry, aircraft type lookups, and similar).
// The lookup itself — what fields it returns, how results are cached or
// merged into a FusedRecord — is explicitly out of scope; this package only
// builds the HTTP client boundary so a future caller has somewhere to plug
// in without reaching into the fusion/hotview internals.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// defaultTimeout matches the enumerated 10s budget for enrichment queries.
const defaultTimeout = 10 * time.Second

// Client looks up supplementary metadata for an entity key from an external
// service. Callers treat failures as best-effort: a lookup error never
// blocks or delays a publish.
type Client interface {
	Lookup(ctx context.Context, key string) (map[string]any, error)
}

// HTTPClient is the network-backed Client implementation (NoopClient is the
// other): a GET against baseURL with
// key as a query parameter, JSON-decoded into a generic map since the
// external schema is not this system's concern.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient builds a Client against baseURL with the standard 10s
// enrichment timeout.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, hc: &http.Client{Timeout: defaultTimeout}}
}

func (c *HTTPClient) Lookup(ctx context.Context, key string) (map[string]any, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("enrichment lookup for %q: status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NoopClient always reports no data, the default when no enrichment
// endpoint is configured.
type NoopClient struct{}

func (NoopClient) Lookup(ctx context.Context, key string) (map[string]any, error) {
	return nil, nil
}
