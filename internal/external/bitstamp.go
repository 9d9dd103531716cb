package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kjannette/bitcoin-trend/internal/httputil"
	"github.com/kjannette/bitcoin-trend/internal/metrics"
	"github.com/kjannette/bitcoin-trend/internal/models"
	"github.com/kjannette/bitcoin-trend/internal/money"
)

const DefaultBitstampURL = "https://www.bitstamp.net/api/ticker_hour/"

// Ticker is the hourly ticker snapshot. Bitstamp quotes every numeric field
// except open, so they stay strings until Sample parses the ones we use.
type Ticker struct {
	High      string      `json:"high"`
	Last      string      `json:"last"`
	Timestamp string      `json:"timestamp"`
	Bid       string      `json:"bid"`
	VWAP      string      `json:"vwap"`
	Volume    string      `json:"volume"`
	Low       string      `json:"low"`
	Ask       string      `json:"ask"`
	Open      json.Number `json:"open"`
}

// Sample converts the ticker's vwap and timestamp into a store sample.
// Failures wrap ErrUpstreamMalformed.
func (t Ticker) Sample() (models.Sample, error) {
	cents, err := money.ParseCents(t.VWAP)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%w: vwap %q: %w", models.ErrUpstreamMalformed, t.VWAP, err)
	}
	ts, err := strconv.ParseUint(t.Timestamp, 10, 64)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%w: timestamp %q: %w", models.ErrUpstreamMalformed, t.Timestamp, err)
	}
	if ts > models.MaxStoredTimestamp {
		return models.Sample{}, fmt.Errorf("%w: timestamp %d out of range", models.ErrUpstreamMalformed, ts)
	}
	return models.Sample{When: ts, PriceCents: cents}, nil
}

type BitstampClient struct {
	url        string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// NewBitstampClient builds a client for url. A zero timeout leaves the
// transport default in place.
func NewBitstampClient(url string, timeout time.Duration, retry httputil.RetryConfig) *BitstampClient {
	if url == "" {
		url = DefaultBitstampURL
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &BitstampClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}
}

// FetchTicker issues one GET (plus configured retries) for the ticker.
// Build failures wrap ErrRequestSetup and decode failures ErrUpstreamMalformed.
// Anything else wraps ErrUpstreamUnreachable.
func (c *BitstampClient) FetchTicker(ctx context.Context) (*Ticker, error) {
	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		if err := httputil.CheckURL(c.url); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		if errors.Is(err, httputil.ErrBuildRequest) {
			metrics.UpstreamFetches.WithLabelValues("setup").Inc()
			return nil, fmt.Errorf("bitstamp: %w: %w", models.ErrRequestSetup, err)
		}
		metrics.UpstreamFetches.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("bitstamp fetch: %w: %w", models.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.UpstreamFetches.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("bitstamp: %w: status %d: %s", models.ErrUpstreamUnreachable, resp.StatusCode, string(body))
	}

	var t Ticker
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		metrics.UpstreamFetches.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("bitstamp decode: %w: %w", models.ErrUpstreamMalformed, err)
	}
	metrics.UpstreamFetches.WithLabelValues("ok").Inc()
	return &t, nil
}

// FetchSample fetches the ticker and converts it.
func (c *BitstampClient) FetchSample(ctx context.Context) (models.Sample, error) {
	t, err := c.FetchTicker(ctx)
	if err != nil {
		return models.Sample{}, err
	}
	return t.Sample()
}
