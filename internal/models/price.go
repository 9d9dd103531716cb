package models

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	// MinTimestamp and MaxTimestamp are where the virtual boundary samples sit.
	MinTimestamp uint64 = 0
	MaxTimestamp uint64 = math.MaxUint64

	// MaxStoredTimestamp is the largest "when" the store can hold (BIGINT).
	MaxStoredTimestamp uint64 = math.MaxInt64

	// DefaultFallbackPriceCents is the price carried by the virtual sample at the start of time.
	DefaultFallbackPriceCents uint32 = 439
)

// Sample is one persisted point of the price series.
type Sample struct {
	When       uint64 `json:"when"`
	PriceCents uint32 `json:"priceCents"`
}

// Bucket is one resampled output point. It encodes as a [timestamp, price] pair.
type Bucket struct {
	Start    uint64
	AvgCents uint32
}

func (b Bucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{b.Start, uint64(b.AvgCents)})
}

func (b *Bucket) UnmarshalJSON(data []byte) error {
	var pair [2]uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[1] > math.MaxUint32 {
		return fmt.Errorf("bucket price %d out of range", pair[1])
	}
	b.Start = pair[0]
	b.AvgCents = uint32(pair[1])
	return nil
}

// BucketSum is the per-bucket aggregate of real samples as produced by the store.
type BucketSum struct {
	Index uint64
	Sum   uint64
	Count uint64
}

// WindowSnapshot is everything the resampler needs from the store for one query,
// read at a single point in time.
//
// Lower is the latest real sample at or before begin, Upper the earliest real sample
// at or after end, Latest the most recent sample overall. Buckets aggregates all real
// samples between Lower (or the start of time) and Upper (or the end of time).
type WindowSnapshot struct {
	Lower   *Sample
	Upper   *Sample
	Latest  *Sample
	Buckets []BucketSum
}
