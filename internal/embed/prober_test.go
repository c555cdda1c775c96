package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCache struct {
	store map[string]Result
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string]Result)} }

func (f *fakeCache) Get(_ context.Context, url string) (Result, bool) {
	r, ok := f.store[url]
	return r, ok
}

func (f *fakeCache) Set(_ context.Context, url string, result Result) {
	f.store[url] = result
}

func TestProbe_AllowlistShortCircuitsNetwork(t *testing.T) {
	p := NewProber([]string{"trusted.example.com"}, nil)
	result := p.Probe(context.Background(), "https://trusted.example.com/room")
	assert.Equal(t, Embeddable, result)
}

func TestProbe_BlockedByXFrameOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(nil, nil)
	assert.Equal(t, Blocked, p.Probe(context.Background(), srv.URL))
}

func TestProbe_Embeddable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(nil, nil)
	assert.Equal(t, Embeddable, p.Probe(context.Background(), srv.URL))
}

func TestProbe_ReachableBlocked999(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(999)
	}))
	defer srv.Close()

	p := NewProber(nil, nil)
	assert.Equal(t, ReachableBlocked, p.Probe(context.Background(), srv.URL))
}

func TestProbe_FallsBackToGETOn405(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(nil, nil)
	assert.Equal(t, Embeddable, p.Probe(context.Background(), srv.URL))
}

func TestProbe_UnreachableHost(t *testing.T) {
	p := NewProber(nil, nil)
	assert.Equal(t, Unreachable, p.Probe(context.Background(), "http://127.0.0.1:1"))
}

func TestProbe_UsesCacheBeforeNetwork(t *testing.T) {
	cache := newFakeCache()
	cache.Set(context.Background(), "http://cached.example", Blocked)

	p := NewProber(nil, cache)
	assert.Equal(t, Blocked, p.Probe(context.Background(), "http://cached.example"))
}
