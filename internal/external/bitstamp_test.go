package external_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjannette/bitcoin-trend/internal/external"
	"github.com/kjannette/bitcoin-trend/internal/httputil"
	"github.com/kjannette/bitcoin-trend/internal/models"
)

const tickerJSON = `{"high": "64250.00", "last": "63980.12", "timestamp": "1700000000", "bid": "63975.00",
"vwap": "64012.789", "volume": "1234.5678", "low": "63500.00", "ask": "63981.00", "open": 63800.5}`

func serve(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchSample(t *testing.T) {
	srv, hits := serve(t, http.StatusOK, tickerJSON)
	c := external.NewBitstampClient(srv.URL, 5*time.Second, httputil.RetryConfig{})

	s, err := c.FetchSample(context.Background())
	if err != nil {
		t.Fatalf("FetchSample: %v", err)
	}
	want := models.Sample{When: 1700000000, PriceCents: 6401278}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
}

func TestFetchTicker_OpenAsString(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"timestamp": "1", "vwap": "1.5", "open": "2.25"}`)
	tk, err := external.NewBitstampClient(srv.URL, time.Second, httputil.RetryConfig{}).FetchTicker(context.Background())
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if tk.Open.String() != "2.25" {
		t.Fatalf("open = %q", tk.Open)
	}
}

func TestFetchSample_MalformedVWAP(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"timestamp": "1700000000", "vwap": "n/a", "open": 1}`)
	_, err := external.NewBitstampClient(srv.URL, time.Second, httputil.RetryConfig{}).FetchSample(context.Background())
	if !errors.Is(err, models.ErrUpstreamMalformed) {
		t.Fatalf("expected ErrUpstreamMalformed, got %v", err)
	}
}

func TestFetchSample_MalformedTimestamp(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"timestamp": "soon", "vwap": "1.00", "open": 1}`)
	_, err := external.NewBitstampClient(srv.URL, time.Second, httputil.RetryConfig{}).FetchSample(context.Background())
	if !errors.Is(err, models.ErrUpstreamMalformed) {
		t.Fatalf("expected ErrUpstreamMalformed, got %v", err)
	}
}

func TestFetchTicker_BadJSON(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `<html>maintenance</html>`)
	_, err := external.NewBitstampClient(srv.URL, time.Second, httputil.RetryConfig{}).FetchTicker(context.Background())
	if !errors.Is(err, models.ErrUpstreamMalformed) {
		t.Fatalf("expected ErrUpstreamMalformed, got %v", err)
	}
}

func TestFetchTicker_Non200(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		srv, hits := serve(t, status, "slow down")
		_, err := external.NewBitstampClient(srv.URL, time.Second, httputil.RetryConfig{}).FetchTicker(context.Background())
		if !errors.Is(err, models.ErrUpstreamUnreachable) {
			t.Fatalf("status %d: expected ErrUpstreamUnreachable, got %v", status, err)
		}
		if hits.Load() != 1 {
			t.Fatalf("status %d: default client must not retry, got %d requests", status, hits.Load())
		}
	}
}

func TestFetchTicker_RetriesWhenConfigured(t *testing.T) {
	srv, hits := serve(t, http.StatusBadGateway, "")
	retry := httputil.RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	_, err := external.NewBitstampClient(srv.URL, time.Second, retry).FetchTicker(context.Background())
	if !errors.Is(err, models.ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", hits.Load())
	}
}

func TestFetchTicker_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := external.NewBitstampClient(url, time.Second, httputil.RetryConfig{}).FetchTicker(context.Background())
	if !errors.Is(err, models.ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
	if errors.Is(err, models.ErrRequestSetup) {
		t.Fatal("runtime failure must not be reported as a setup error")
	}
}

func TestFetchTicker_BadURLIsSetupError(t *testing.T) {
	for _, u := range []string{
		"http://[::1",
		"htps://example.com",
		"www.bitstamp.net/api/ticker_hour/",
		"https:///x",
	} {
		client := external.NewBitstampClient(u, time.Second, httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Hour,
		})
		start := time.Now()
		_, err := client.FetchTicker(context.Background())
		if !errors.Is(err, models.ErrRequestSetup) {
			t.Fatalf("%s: expected ErrRequestSetup, got %v", u, err)
		}
		if errors.Is(err, models.ErrUpstreamUnreachable) {
			t.Fatalf("%s: setup error also marked unreachable: %v", u, err)
		}
		// A retry would wait BaseDelay.
		if time.Since(start) > 10*time.Second {
			t.Fatalf("%s: setup error was retried", u)
		}
	}
}
