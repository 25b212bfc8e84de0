package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func metadataHandler(t *testing.T, path string, hits *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Metadata{
			Issuer:                "https://issuer.example.com",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         "https://issuer.example.com/token",
			RegistrationEndpoint:  "https://issuer.example.com/register",
		})
	}
}

func TestClient_Discover_RFC8414(t *testing.T) {
	srv := httptest.NewServer(metadataHandler(t, "/.well-known/oauth-authorization-server", nil))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))

	metadata, err := c.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if metadata.TokenEndpoint != "https://issuer.example.com/token" {
		t.Errorf("TokenEndpoint = %q", metadata.TokenEndpoint)
	}
	if metadata.RegistrationEndpoint != "https://issuer.example.com/register" {
		t.Errorf("RegistrationEndpoint = %q", metadata.RegistrationEndpoint)
	}
}

func TestClient_Discover_OIDCFallback(t *testing.T) {
	srv := httptest.NewServer(metadataHandler(t, "/.well-known/openid-configuration", nil))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))

	metadata, err := c.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if metadata.AuthorizationEndpoint != "https://issuer.example.com/authorize" {
		t.Errorf("AuthorizationEndpoint = %q", metadata.AuthorizationEndpoint)
	}
}

func TestClient_Discover_BothFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))

	if _, err := c.Discover(context.Background(), srv.URL); err == nil {
		t.Error("Discover() should fail when neither well-known endpoint exists")
	}
}

func TestClient_Discover_Cached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(metadataHandler(t, "/.well-known/oauth-authorization-server", &hits))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()), WithCacheTTL(time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := c.Discover(context.Background(), srv.URL); err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1 (cache miss only on first call)", got)
	}
}

func TestClient_Discover_ClearCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(metadataHandler(t, "/.well-known/oauth-authorization-server", &hits))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))

	if _, err := c.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	c.ClearCache()
	if _, err := c.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if got := hits.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2 after ClearCache", got)
	}
}

func TestClient_Discover_Concurrent(t *testing.T) {
	var hits atomic.Int64
	slow := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		metadataHandler(t, "/.well-known/oauth-authorization-server", &hits)(w, r)
	}
	srv := httptest.NewServer(http.HandlerFunc(slow))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Discover(context.Background(), srv.URL); err != nil {
				t.Errorf("Discover() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1 (singleflight dedupe)", got)
	}
}

func TestClient_Observer(t *testing.T) {
	srv := httptest.NewServer(metadataHandler(t, "/.well-known/oauth-authorization-server", nil))
	defer srv.Close()

	type observation struct {
		issuer  string
		elapsed time.Duration
		err     error
	}
	var mu sync.Mutex
	var seen []observation

	c := NewClient(
		WithHTTPClient(srv.Client()),
		WithCacheTTL(time.Hour),
		WithObserver(func(_ context.Context, issuer string, elapsed time.Duration, err error) {
			mu.Lock()
			seen = append(seen, observation{issuer: issuer, elapsed: elapsed, err: err})
			mu.Unlock()
		}),
	)

	if _, err := c.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	// Cache hit, no fetch, no observation.
	if _, err := c.Discover(context.Background(), srv.URL); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("observer called %d times, want 1", len(seen))
	}
	if seen[0].err != nil {
		t.Errorf("observed err = %v, want nil", seen[0].err)
	}
	if seen[0].issuer != srv.URL {
		t.Errorf("observed issuer = %q, want %q", seen[0].issuer, srv.URL)
	}
	if seen[0].elapsed < 0 {
		t.Errorf("observed elapsed = %v", seen[0].elapsed)
	}

	// A failed fetch is observed with its error.
	if _, err := c.Discover(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("Discover() should fail for an unknown issuer path")
	}
	if len(seen) != 2 {
		t.Fatalf("observer called %d times, want 2", len(seen))
	}
	if seen[1].err == nil {
		t.Error("observed err = nil for a failed fetch")
	}
}

func TestMetadata_SupportsPKCE(t *testing.T) {
	tests := []struct {
		name    string
		methods []string
		want    bool
	}{
		{"S256 advertised", []string{"S256"}, true},
		{"plain only", []string{"plain"}, false},
		{"nothing advertised assumes S256", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Metadata{CodeChallengeMethodsSupported: tt.methods}
			if got := m.SupportsPKCE(); got != tt.want {
				t.Errorf("SupportsPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}
