package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/kjannette/bitcoin-trend/internal/metrics"
	"github.com/kjannette/bitcoin-trend/internal/models"
	"github.com/kjannette/bitcoin-trend/internal/resample"
	"github.com/kjannette/bitcoin-trend/internal/scheduler"
	"github.com/kjannette/bitcoin-trend/internal/testutil"
)

type fakeUpdater struct {
	running bool
	last    scheduler.Outcome
}

func (f fakeUpdater) Running() bool                  { return f.running }
func (f fakeUpdater) LastOutcome() scheduler.Outcome { return f.last }

func newTestServer(t *testing.T, store *testutil.MemStore, opts Options) http.Handler {
	t.Helper()
	r := resample.New(store, models.DefaultFallbackPriceCents, nil)
	return NewServer(r, store, fakeUpdater{running: true, last: scheduler.OutcomeInserted}, opts, nil).Handler()
}

func get(t *testing.T, h http.Handler, path string, header ...string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	body, _ := io.ReadAll(rr.Body)
	return rr, strings.TrimSpace(string(body))
}

func seeded() *testutil.MemStore {
	return testutil.NewMemStore(
		models.Sample{When: 1000, PriceCents: 100},
		models.Sample{When: 2000, PriceCents: 200},
		models.Sample{When: 3000, PriceCents: 300},
	)
}

func TestPrices_OK(t *testing.T) {
	h := newTestServer(t, seeded(), Options{})
	rr, body := get(t, h, "/api/prices/1000/3000")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type %q", ct)
	}
	var got []models.Bucket
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	want := []models.Bucket{{Start: 1000, AvgCents: 100}, {Start: 2000, AvgCents: 200}, {Start: 3000, AvgCents: 300}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buckets %+v, want %+v", got, want)
	}
	if body != "[[1000,100],[2000,200],[3000,300]]" {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestPrices_EmptyStore(t *testing.T) {
	h := newTestServer(t, testutil.NewMemStore(), Options{})
	rr, body := get(t, h, "/api/prices/0/0")
	if rr.Code != http.StatusOK || body != "[[0,439]]" {
		t.Fatalf("got %d %s", rr.Code, body)
	}
}

func TestPrices_InvalidRange(t *testing.T) {
	store := seeded()
	h := newTestServer(t, store, Options{})
	rr, body := get(t, h, "/api/prices/3000/1000")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var msg string
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("body is not a JSON string: %s", body)
	}
	if msg != "begin (first value) must be <= end (second value)" {
		t.Fatalf("message %q", msg)
	}
	if store.WindowReads() != 0 {
		t.Fatal("store touched for an invalid range")
	}
}

func TestPrices_BadParams(t *testing.T) {
	h := newTestServer(t, seeded(), Options{})
	for _, path := range []string{"/api/prices/abc/10", "/api/prices/0/-1", "/api/prices/0/1.5", "/api/prices/0/99999999999999999999"} {
		rr, body := get(t, h, path)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rr.Code)
		}
		var msg string
		if err := json.Unmarshal([]byte(body), &msg); err != nil || msg == "" {
			t.Fatalf("%s: body is not a JSON string: %s", path, body)
		}
	}
}

func TestPrices_StoreErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{models.ErrStoreUnavailable, "Database error: store unavailable"},
		{models.ErrStoreQueryFailed, "Database error: store query failed"},
		{errors.New("boom"), "Database error: store query failed"},
	}
	for _, c := range cases {
		store := seeded()
		store.FailOn(testutil.OpReadWindow, c.err)
		rr, body := get(t, newTestServer(t, store, Options{}), "/api/prices/0/10")
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
		var msg string
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			t.Fatalf("body is not a JSON string: %s", body)
		}
		if msg != c.want {
			t.Fatalf("message %q, want %q", msg, c.want)
		}
	}
}

func TestPrices_RequiresAPIKeyWhenConfigured(t *testing.T) {
	h := newTestServer(t, seeded(), Options{APIKey: "k"})
	if rr, _ := get(t, h, "/api/prices/0/10"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr, _ := get(t, h, "/api/prices/0/10", "Authorization", "Bearer k"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rr.Code)
	}
	if rr, _ := get(t, h, "/"); rr.Code != http.StatusOK {
		t.Fatalf("index should not require a key, got %d", rr.Code)
	}
}

func TestIndexPage(t *testing.T) {
	rr, body := get(t, newTestServer(t, seeded(), Options{}), "/")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.HasPrefix(body, "<!DOCTYPE html>") || !strings.Contains(body, "price_chart") {
		t.Fatalf("unexpected index page: %.80s", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content type %q", ct)
	}
}

func TestNotFoundPage(t *testing.T) {
	h := newTestServer(t, seeded(), Options{})
	for _, path := range []string{"/nope", "/api/prices/1", "/api/other"} {
		rr, body := get(t, h, path)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rr.Code)
		}
		if !strings.Contains(body, "Not Found") || !strings.Contains(body, "href='/'") {
			t.Fatalf("%s: unexpected 404 page", path)
		}
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.js"), []byte("function chart_init() {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newTestServer(t, seeded(), Options{StaticDir: dir})

	rr, body := get(t, h, "/static/main.js")
	if rr.Code != http.StatusOK || body != "function chart_init() {}" {
		t.Fatalf("got %d %q", rr.Code, body)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != "" {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	if rr, _ := get(t, h, "/static/missing.js"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing static file, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	store := seeded()
	h := newTestServer(t, store, Options{})

	var resp healthResponse
	rr, body := get(t, h, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Services.Database != "connected" || resp.Services.Updater != "running" || resp.Services.LastCycle != "inserted" {
		t.Fatalf("unexpected health %+v", resp)
	}

	store.FailOn(testutil.OpPing, models.ErrStoreUnavailable)
	_, body = get(t, h, "/health")
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Services.Database != "disconnected" {
		t.Fatalf("expected disconnected, got %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	h := newTestServer(t, seeded(), Options{})
	get(t, h, "/api/prices/0/10")

	rr, body := get(t, h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(body, `trend_http_requests_total{code="200",method="GET",route="GET /api/prices/{begin}/{end}"}`) {
		t.Fatalf("request metric missing from /metrics output")
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	s := NewServer(resample.New(seeded(), 439, nil), seeded(), nil, Options{Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
}
