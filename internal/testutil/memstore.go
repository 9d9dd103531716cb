package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/kjannette/bitcoin-trend/internal/models"
)

// MemStore is an in-memory price store for unit tests. It answers the same
// queries as repository.PriceRepo and can be told to fail any of them.
type MemStore struct {
	mu      sync.RWMutex
	samples map[uint64]uint32
	errs    map[string]error

	insertCalls int
	batchCalls  int
	windowReads int
}

// Operation names accepted by FailOn.
const (
	OpEnsureSchema = "ensure_schema"
	OpInsert       = "insert"
	OpInsertBatch  = "insert_batch"
	OpExistsAny    = "exists_any"
	OpMaxTimestamp = "max_timestamp"
	OpLatest       = "latest"
	OpCount        = "count"
	OpPing         = "ping"
	OpReadWindow   = "read_window"
)

func NewMemStore(seed ...models.Sample) *MemStore {
	m := &MemStore{samples: map[uint64]uint32{}, errs: map[string]error{}}
	for _, s := range seed {
		m.samples[s.When] = s.PriceCents
	}
	return m
}

// FailOn makes op return err until cleared with a nil err.
func (m *MemStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// InsertCalls counts InsertIfAbsent calls and per-row InsertBatch attempts.
func (m *MemStore) InsertCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.insertCalls
}

func (m *MemStore) BatchCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchCalls
}

func (m *MemStore) WindowReads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windowReads
}

func (m *MemStore) errFor(op string) error {
	return m.errs[op]
}

// Samples returns a copy of the stored series in timestamp order.
func (m *MemStore) Samples() []models.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *MemStore) sortedLocked() []models.Sample {
	out := make([]models.Sample, 0, len(m.samples))
	for w, p := range m.samples {
		out = append(out, models.Sample{When: w, PriceCents: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When < out[j].When })
	return out
}

func (m *MemStore) EnsureSchema(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errFor(OpEnsureSchema)
}

func (m *MemStore) InsertIfAbsent(ctx context.Context, s models.Sample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if err := m.errFor(OpInsert); err != nil {
		return false, err
	}
	if _, ok := m.samples[s.When]; ok {
		return false, nil
	}
	m.samples[s.When] = s.PriceCents
	return true, nil
}

func (m *MemStore) InsertBatch(ctx context.Context, samples []models.Sample) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	if err := m.errFor(OpInsertBatch); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range samples {
		m.insertCalls++
		if _, ok := m.samples[s.When]; ok {
			continue
		}
		m.samples[s.When] = s.PriceCents
		n++
	}
	return n, nil
}

func (m *MemStore) ExistsAny(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor(OpExistsAny); err != nil {
		return false, err
	}
	return len(m.samples) > 0, nil
}

func (m *MemStore) MaxTimestamp(ctx context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor(OpMaxTimestamp); err != nil {
		return 0, false, err
	}
	if len(m.samples) == 0 {
		return 0, false, nil
	}
	var max uint64
	for w := range m.samples {
		if w > max {
			max = w
		}
	}
	return max, true, nil
}

func (m *MemStore) Latest(ctx context.Context) (*models.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor(OpLatest); err != nil {
		return nil, err
	}
	all := m.sortedLocked()
	if len(all) == 0 {
		return nil, nil
	}
	s := all[len(all)-1]
	return &s, nil
}

func (m *MemStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor(OpCount); err != nil {
		return 0, err
	}
	return int64(len(m.samples)), nil
}

func (m *MemStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errFor(OpPing)
}

// ReadWindow mirrors repository.PriceRepo.ReadWindow over the in-memory series.
func (m *MemStore) ReadWindow(ctx context.Context, begin, end, width uint64) (*models.WindowSnapshot, error) {
	m.mu.Lock()
	m.windowReads++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errFor(OpReadWindow); err != nil {
		return nil, err
	}

	all := m.sortedLocked()
	snap := &models.WindowSnapshot{}
	for i := range all {
		s := all[i]
		if s.When <= begin {
			snap.Lower = &s
		}
		if s.When >= end && snap.Upper == nil {
			snap.Upper = &s
		}
	}
	if len(all) > 0 {
		last := all[len(all)-1]
		snap.Latest = &last
	}

	lo, hi := uint64(0), models.MaxStoredTimestamp
	if snap.Lower != nil {
		lo = snap.Lower.When
	}
	if snap.Upper != nil {
		hi = snap.Upper.When
	}

	for _, s := range all {
		if s.When < lo || s.When > hi {
			continue
		}
		idx := s.When / width
		n := len(snap.Buckets)
		if n > 0 && snap.Buckets[n-1].Index == idx {
			snap.Buckets[n-1].Sum += uint64(s.PriceCents)
			snap.Buckets[n-1].Count++
			continue
		}
		snap.Buckets = append(snap.Buckets, models.BucketSum{Index: idx, Sum: uint64(s.PriceCents), Count: 1})
	}
	return snap, nil
}
