package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/metrics"
	"github.com/kjannette/bitcoin-trend/internal/models"
	"github.com/kjannette/bitcoin-trend/internal/money"
)

const DefaultBatchSize = 1000

// Store is the part of the price store the loader writes through.
type Store interface {
	EnsureSchema(ctx context.Context) error
	ExistsAny(ctx context.Context) (bool, error)
	InsertIfAbsent(ctx context.Context, s models.Sample) (bool, error)
	InsertBatch(ctx context.Context, samples []models.Sample) (int, error)
}

type Notifier interface {
	Send(message string)
}

type Config struct {
	// Path of the history file, one "<timestamp>,<price>" record per line.
	Path      string
	BatchSize int
}

// Summary describes what one EnsureInitialized call did.
type Summary struct {
	Skipped    bool // store already had data
	Lines      int
	Inserted   int
	Duplicates int
	Malformed  int
	Failed     int
}

type Loader struct {
	store  Store
	cfg    Config
	log    *zap.Logger
	notify Notifier
}

func NewLoader(store Store, cfg Config, log *zap.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{store: store, cfg: cfg, log: log.Named("bootstrap")}
}

// SetNotifier attaches an optional notifier that receives the seeding summary.
func (l *Loader) SetNotifier(n Notifier) {
	l.notify = n
}

// EnsureInitialized creates the schema and, only when the store holds no
// samples, seeds it from the history file. Malformed lines and failed row
// inserts are logged and skipped. Any returned error means the store must not
// be served.
func (l *Loader) EnsureInitialized(ctx context.Context) (Summary, error) {
	var sum Summary

	if err := l.store.EnsureSchema(ctx); err != nil {
		return sum, fmt.Errorf("bootstrap: %w", err)
	}
	exists, err := l.store.ExistsAny(ctx)
	if err != nil {
		return sum, fmt.Errorf("bootstrap: %w", err)
	}
	if exists {
		l.log.Info("store already populated, skipping history load")
		sum.Skipped = true
		return sum, nil
	}

	f, err := os.Open(l.cfg.Path)
	if err != nil {
		return sum, fmt.Errorf("bootstrap: %w: %w", models.ErrBootstrapFileUnreadable, err)
	}
	defer f.Close()

	l.log.Info("seeding empty store from history file", zap.String("path", l.cfg.Path))
	if err := l.load(ctx, f, &sum); err != nil {
		return sum, err
	}

	l.log.Info("history load finished",
		zap.Int("lines", sum.Lines),
		zap.Int("inserted", sum.Inserted),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("malformed", sum.Malformed),
		zap.Int("failed", sum.Failed),
	)
	if l.notify != nil {
		l.notify.Send(fmt.Sprintf("Seeded %d samples from %s (%d malformed, %d failed)",
			sum.Inserted, l.cfg.Path, sum.Malformed, sum.Failed))
	}
	return sum, nil
}

// load reads and parses the whole file before writing, so a read error leaves
// the store empty and the next start retries the seeding.
func (l *Loader) load(ctx context.Context, r io.Reader, sum *Summary) error {
	samples, err := l.parse(r, sum)
	if err != nil {
		return err
	}

	for start := 0; start < len(samples); start += l.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		end := min(start+l.cfg.BatchSize, len(samples))
		l.flush(ctx, samples[start:end], sum)
	}
	return nil
}

func (l *Loader) parse(r io.Reader, sum *Summary) ([]models.Sample, error) {
	br := bufio.NewReader(r)
	var samples []models.Sample
	lineNo := 0

	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("bootstrap: %w: line %d: %w", models.ErrBootstrapFileUnreadable, lineNo+1, readErr)
		}
		if len(line) > 0 {
			lineNo++
			if strings.TrimSpace(line) != "" {
				sum.Lines++
				s, err := ParseLine(line)
				if err != nil {
					sum.Malformed++
					metrics.BootstrapLines.WithLabelValues("malformed").Inc()
					l.log.Warn("skipping malformed line", zap.Int("line", lineNo), zap.Error(err))
				} else {
					samples = append(samples, s)
				}
			}
		}
		if readErr != nil {
			return samples, nil
		}
	}
}

// flush writes one batch, falling back to row-by-row inserts when the batch fails.
// A failed batch has written nothing, so the row pass counts every row itself.
func (l *Loader) flush(ctx context.Context, batch []models.Sample, sum *Summary) {
	n, err := l.store.InsertBatch(ctx, batch)
	if err == nil {
		l.count(sum, n, len(batch)-n, 0)
		return
	}
	l.log.Warn("batch insert failed, retrying row by row", zap.Int("rows", len(batch)), zap.Error(err))

	var inserted, dup, failed int
	for _, s := range batch {
		ok, err := l.store.InsertIfAbsent(ctx, s)
		switch {
		case err != nil:
			failed++
			l.log.Warn("skipping row that failed to insert",
				zap.Uint64("when", s.When),
				zap.Uint32("price_cents", s.PriceCents),
				zap.Error(err),
			)
		case ok:
			inserted++
		default:
			dup++
		}
	}
	l.count(sum, inserted, dup, failed)
}

func (l *Loader) count(sum *Summary, inserted, dup, failed int) {
	sum.Inserted += inserted
	sum.Duplicates += dup
	sum.Failed += failed
	metrics.BootstrapLines.WithLabelValues("inserted").Add(float64(inserted))
	metrics.BootstrapLines.WithLabelValues("duplicate").Add(float64(dup))
	metrics.BootstrapLines.WithLabelValues("failed").Add(float64(failed))
	metrics.SamplesInserted.WithLabelValues("bootstrap").Add(float64(inserted))
}

// ParseLine parses "<integer-timestamp>,<decimal-price>". The price is in major
// units and is truncated to whole cents.
func ParseLine(line string) (models.Sample, error) {
	line = strings.TrimRight(line, "\r\n")
	ts, price, ok := strings.Cut(line, ",")
	if !ok {
		return models.Sample{}, fmt.Errorf("%w: no separator in %q", models.ErrBootstrapLineMalformed, line)
	}
	when, err := strconv.ParseUint(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%w: timestamp %q: %w", models.ErrBootstrapLineMalformed, ts, err)
	}
	if when > models.MaxStoredTimestamp {
		return models.Sample{}, fmt.Errorf("%w: timestamp %d out of range", models.ErrBootstrapLineMalformed, when)
	}
	cents, err := money.ParseCents(price)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%w: price %q: %w", models.ErrBootstrapLineMalformed, price, err)
	}
	return models.Sample{When: when, PriceCents: cents}, nil
}
