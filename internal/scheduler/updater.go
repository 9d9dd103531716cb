package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/metrics"
	"github.com/kjannette/bitcoin-trend/internal/models"
	"github.com/kjannette/bitcoin-trend/internal/money"
)

// Store is the part of the price store the updater reads and appends to.
type Store interface {
	MaxTimestamp(ctx context.Context) (uint64, bool, error)
	InsertIfAbsent(ctx context.Context, s models.Sample) (bool, error)
}

// Fetcher returns the current sample from the upstream price source.
type Fetcher interface {
	FetchSample(ctx context.Context) (models.Sample, error)
}

type Notifier interface {
	Send(message string)
}

type Outcome string

const (
	OutcomeInserted    Outcome = "inserted"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeFresh       Outcome = "fresh"
	OutcomeStoreError  Outcome = "store_error"
	OutcomeFetchError  Outcome = "fetch_error"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeInsertError Outcome = "insert_error"
	OutcomeFatal       Outcome = "fatal"
)

type UpdaterConfig struct {
	Interval time.Duration // wait between cycles, e.g. 1*time.Hour
	MinAge   time.Duration // newest sample younger than this skips the fetch
}

type Updater struct {
	store   Store
	fetcher Fetcher
	cfg     UpdaterConfig
	log     *zap.Logger
	notify  Notifier
	now     func() time.Time

	mu      sync.Mutex
	running bool
	last    Outcome
}

func NewUpdater(store Store, fetcher Fetcher, cfg UpdaterConfig, log *zap.Logger) *Updater {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log.Named("updater"),
		now:     time.Now,
	}
}

func (u *Updater) SetNotifier(n Notifier) {
	u.notify = n
}

// SetClock replaces the wall clock used by the freshness check.
func (u *Updater) SetClock(now func() time.Time) {
	u.now = now
}

// Run performs one cycle immediately, then one cycle after every Interval,
// until ctx is cancelled (returns nil) or a request setup error makes further
// cycles pointless (returns that error).
func (u *Updater) Run(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return errors.New("updater already running")
	}
	u.running = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()

	u.log.Info("started", zap.Duration("interval", u.cfg.Interval), zap.Duration("min_age", u.cfg.MinAge))

	for {
		if _, err := u.RunCycle(ctx); err != nil && errors.Is(err, models.ErrRequestSetup) {
			u.log.Error("stopping: upstream request cannot be built", zap.Error(err))
			if u.notify != nil {
				u.notify.Send(fmt.Sprintf("Updater stopped: %v", err))
			}
			return err
		}

		timer := time.NewTimer(u.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			u.log.Info("stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (u *Updater) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// LastOutcome reports the result of the most recent cycle, empty before the first.
func (u *Updater) LastOutcome() Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

// RunCycle runs a single freshness check, fetch and insert. The returned error
// is informational except when it wraps ErrRequestSetup.
func (u *Updater) RunCycle(ctx context.Context) (Outcome, error) {
	outcome, err := u.cycle(ctx)

	u.mu.Lock()
	u.last = outcome
	u.mu.Unlock()
	metrics.UpdaterCycles.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (u *Updater) cycle(ctx context.Context) (Outcome, error) {
	u.log.Debug("cycle started")

	newest, ok, err := u.store.MaxTimestamp(ctx)
	if err != nil {
		u.log.Warn("cannot check freshness, skipping cycle", zap.Error(err))
		return OutcomeStoreError, err
	}
	if ok {
		age := u.now().Unix() - int64(newest)
		if age < int64(u.cfg.MinAge/time.Second) {
			u.log.Info("data is fresh, skipping upstream call",
				zap.Uint64("newest", newest),
				zap.Int64("age_seconds", age),
			)
			return OutcomeFresh, nil
		}
	}

	s, err := u.fetcher.FetchSample(ctx)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrRequestSetup):
		return OutcomeFatal, err
	case errors.Is(err, models.ErrUpstreamMalformed):
		u.log.Warn("upstream returned unusable data", zap.Error(err))
		return OutcomeMalformed, err
	default:
		u.log.Warn("upstream fetch failed", zap.Error(err))
		return OutcomeFetchError, err
	}

	inserted, err := u.store.InsertIfAbsent(ctx, s)
	if err != nil {
		u.log.Warn("failed to store sample",
			zap.Uint64("when", s.When),
			zap.Uint32("price_cents", s.PriceCents),
			zap.Error(err),
		)
		return OutcomeInsertError, err
	}
	if !inserted {
		u.log.Info("sample already stored", zap.Uint64("when", s.When))
		return OutcomeDuplicate, nil
	}

	metrics.SamplesInserted.WithLabelValues("upstream").Inc()
	u.log.Info("stored new sample",
		zap.Uint64("when", s.When),
		zap.String("price", money.FormatCents(s.PriceCents)),
	)
	return OutcomeInserted, nil
}
