package resample

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/metrics"
	"github.com/kjannette/bitcoin-trend/internal/models"
)

// Buckets is the target number of buckets a window is split into.
const Buckets = 100

// WindowReader is the store query the resampler depends on.
type WindowReader interface {
	ReadWindow(ctx context.Context, begin, end, width uint64) (*models.WindowSnapshot, error)
}

type Resampler struct {
	store    WindowReader
	fallback uint32
	log      *zap.Logger
}

func New(store WindowReader, fallbackCents uint32, log *zap.Logger) *Resampler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resampler{store: store, fallback: fallbackCents, log: log.Named("resample")}
}

// BucketWidth is max((end-begin)/Buckets, 1). Callers guarantee begin <= end.
func BucketWidth(begin, end uint64) uint64 {
	w := (end - begin) / Buckets
	if w < 1 {
		return 1
	}
	return w
}

// Resample condenses [begin, end] into at most Buckets+1 averaged points.
// The result is ordered by bucket start and never empty.
func (r *Resampler) Resample(ctx context.Context, begin, end uint64) ([]models.Bucket, error) {
	if end < begin {
		return nil, models.ErrInvalidRange
	}
	start := time.Now()
	defer func() { metrics.ResampleDuration.Observe(time.Since(start).Seconds()) }()

	width := BucketWidth(begin, end)
	snap, err := r.store.ReadWindow(ctx, begin, end, width)
	if err != nil {
		return nil, fmt.Errorf("resample %d..%d: %w", begin, end, err)
	}

	out := Fold(snap, width, r.fallback)
	r.log.Debug("resampled",
		zap.Uint64("begin", begin),
		zap.Uint64("end", end),
		zap.Uint64("width", width),
		zap.Int("points", len(out)),
	)
	return out, nil
}

// Fold merges the store's per-bucket sums with the two virtual boundary samples
// and turns them into averaged buckets.
//
// The virtual minimum (0, fallback) takes part when the clamped window starts at
// zero. A real sample identical to it is counted once. The virtual maximum
// (MaxTimestamp, latest price) takes part when no real sample closes the window
// from above; an empty store has no latest price and so no virtual maximum.
func Fold(snap *models.WindowSnapshot, width uint64, fallback uint32) []models.Bucket {
	type acc struct{ sum, count uint64 }
	sums := make(map[uint64]*acc, len(snap.Buckets)+2)
	add := func(idx, sum, count uint64) {
		a, ok := sums[idx]
		if !ok {
			a = &acc{}
			sums[idx] = a
		}
		a.sum += sum
		a.count += count
	}

	for _, b := range snap.Buckets {
		if b.Count == 0 {
			continue
		}
		add(b.Index, b.Sum, b.Count)
	}

	lower := snap.Lower
	if lower == nil || lower.When == models.MinTimestamp {
		dup := lower != nil && lower.PriceCents == fallback
		if !dup {
			add(models.MinTimestamp/width, uint64(fallback), 1)
		}
	}
	if snap.Upper == nil && snap.Latest != nil {
		add(models.MaxTimestamp/width, uint64(snap.Latest.PriceCents), 1)
	}

	keys := make([]uint64, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]models.Bucket, 0, len(keys))
	for _, k := range keys {
		a := sums[k]
		out = append(out, models.Bucket{Start: k * width, AvgCents: uint32(a.sum / a.count)})
	}
	return out
}
