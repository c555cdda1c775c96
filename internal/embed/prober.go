// Package embed implements the embeddable-URL probe: deciding whether a
// third-party site may be embedded in an iframe inside a room.
package embed

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fenwickgames/pusher/internal/metrics"
)

// Result is the outcome of probing a single URL.
type Result string

const (
	Embeddable       Result = "embeddable"
	Blocked          Result = "blocked"
	Unreachable      Result = "unreachable"
	ReachableBlocked Result = "reachable_blocked" // HTTP 999, the LinkedIn idiom
)

// Prober decides embeddability, consulting an allow-list before ever
// touching the network.
type Prober struct {
	client    *http.Client
	allowlist []string
	cache     Cache
}

// Cache is satisfied by the Redis-backed cache; nil disables caching.
type Cache interface {
	Get(ctx context.Context, url string) (Result, bool)
	Set(ctx context.Context, url string, result Result)
}

func NewProber(allowlist []string, cache Cache) *Prober {
	return &Prober{
		client:    &http.Client{Timeout: 5 * time.Second},
		allowlist: allowlist,
		cache:     cache,
	}
}

// Probe returns whether rawURL may be embedded.
func (p *Prober) Probe(ctx context.Context, rawURL string) Result {
	for _, allowed := range p.allowlist {
		if strings.Contains(rawURL, allowed) {
			metrics.EmbedProbeResults.WithLabelValues(string(Embeddable), "allowlist").Inc()
			return Embeddable
		}
	}

	if p.cache != nil {
		if r, ok := p.cache.Get(ctx, rawURL); ok {
			metrics.EmbedProbeResults.WithLabelValues(string(r), "cache").Inc()
			return r
		}
	}

	result := p.probeNetwork(ctx, rawURL)
	metrics.EmbedProbeResults.WithLabelValues(string(result), "network").Inc()
	if p.cache != nil {
		p.cache.Set(ctx, rawURL, result)
	}
	return result
}

func (p *Prober) probeNetwork(ctx context.Context, rawURL string) Result {
	resp, err := p.doRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return Unreachable
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = p.doRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return Unreachable
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == 999 {
		return ReachableBlocked
	}

	xfo := strings.ToLower(strings.TrimSpace(resp.Header.Get("X-Frame-Options")))
	if xfo == "deny" || xfo == "sameorigin" {
		return Blocked
	}
	return Embeddable
}

func (p *Prober) doRequest(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}
