package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/db"
	"github.com/kjannette/bitcoin-trend/internal/models"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS price_history (
	"when"      BIGINT PRIMARY KEY CHECK ("when" >= 0),
	price_cents BIGINT NOT NULL CHECK (price_cents BETWEEN 0 AND 4294967295)
)`

const insertSQL = `INSERT INTO price_history ("when", price_cents) VALUES ($1, $2) ON CONFLICT ("when") DO NOTHING`

type PriceRepo struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPriceRepo(pool *pgxpool.Pool, log *zap.Logger) *PriceRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &PriceRepo{pool: pool, log: log.Named("store")}
}

// EnsureSchema creates price_history if it does not exist.
func (r *PriceRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return db.Classify("ensure schema", err)
}

// InsertIfAbsent appends s. An existing row with the same timestamp is left
// untouched and inserted reports false.
func (r *PriceRepo) InsertIfAbsent(ctx context.Context, s models.Sample) (inserted bool, err error) {
	if s.When > models.MaxStoredTimestamp {
		return false, fmt.Errorf("insert: %w: timestamp %d exceeds store range", models.ErrStoreQueryFailed, s.When)
	}
	tag, err := r.pool.Exec(ctx, insertSQL, int64(s.When), int64(s.PriceCents))
	if err != nil {
		return false, db.Classify("insert", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertBatch pipelines the samples in a single batch and returns how many rows
// were new. pgx sends the batch as one implicit transaction, so on error no row
// of the batch is written and the count is 0.
func (r *PriceRepo) InsertBatch(ctx context.Context, samples []models.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range samples {
		if s.When > models.MaxStoredTimestamp {
			return 0, fmt.Errorf("insert batch: %w: timestamp %d exceeds store range", models.ErrStoreQueryFailed, s.When)
		}
		batch.Queue(insertSQL, int64(s.When), int64(s.PriceCents))
	}

	br := r.pool.SendBatch(ctx, batch)
	inserted := 0
	for range samples {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, db.Classify("insert batch", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, db.Classify("insert batch", err)
	}
	return inserted, nil
}

func (r *PriceRepo) ExistsAny(ctx context.Context) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM price_history)`).Scan(&exists)
	if err != nil {
		return false, db.Classify("exists any", err)
	}
	return exists, nil
}

// MaxTimestamp returns the newest timestamp, or ok=false on an empty store.
func (r *PriceRepo) MaxTimestamp(ctx context.Context) (ts uint64, ok bool, err error) {
	var max *int64
	if err := r.pool.QueryRow(ctx, `SELECT MAX("when") FROM price_history`).Scan(&max); err != nil {
		return 0, false, db.Classify("max timestamp", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return uint64(*max), true, nil
}

func (r *PriceRepo) Latest(ctx context.Context) (*models.Sample, error) {
	s, err := scanSample(r.pool.QueryRow(ctx,
		`SELECT "when", price_cents FROM price_history ORDER BY "when" DESC LIMIT 1`,
	))
	if err != nil {
		return nil, db.Classify("latest", err)
	}
	return s, nil
}

func (r *PriceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM price_history`).Scan(&n); err != nil {
		return 0, db.Classify("count", err)
	}
	return n, nil
}

func (r *PriceRepo) Ping(ctx context.Context) error {
	return db.Classify("ping", r.pool.Ping(ctx))
}

// ReadWindow reads everything the resampler needs for [begin, end] inside one
// read-only repeatable-read transaction, so a concurrent insert is either fully
// visible or not visible at all.
func (r *PriceRepo) ReadWindow(ctx context.Context, begin, end, width uint64) (*models.WindowSnapshot, error) {
	if width == 0 {
		return nil, fmt.Errorf("read window: %w: zero bucket width", models.ErrStoreQueryFailed)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, db.Classify("read window: begin", err)
	}
	defer tx.Rollback(ctx)

	snap := &models.WindowSnapshot{}

	snap.Lower, err = scanSample(tx.QueryRow(ctx,
		`SELECT "when", price_cents FROM price_history WHERE "when" <= $1 ORDER BY "when" DESC LIMIT 1`,
		toDB(begin),
	))
	if err != nil {
		return nil, db.Classify("read window: lower", err)
	}

	// Nothing stored can sit at or beyond an end past the BIGINT range.
	if end <= models.MaxStoredTimestamp {
		snap.Upper, err = scanSample(tx.QueryRow(ctx,
			`SELECT "when", price_cents FROM price_history WHERE "when" >= $1 ORDER BY "when" ASC LIMIT 1`,
			toDB(end),
		))
		if err != nil {
			return nil, db.Classify("read window: upper", err)
		}
	}

	snap.Latest, err = scanSample(tx.QueryRow(ctx,
		`SELECT "when", price_cents FROM price_history ORDER BY "when" DESC LIMIT 1`,
	))
	if err != nil {
		return nil, db.Classify("read window: latest", err)
	}

	var lo, hi uint64 = 0, models.MaxStoredTimestamp
	if snap.Lower != nil {
		lo = snap.Lower.When
	}
	if snap.Upper != nil {
		hi = snap.Upper.When
	}

	rows, err := tx.Query(ctx,
		`SELECT "when" / $1 AS bucket, SUM(price_cents)::BIGINT, COUNT(*)
		 FROM price_history
		 WHERE "when" >= $2 AND "when" <= $3
		 GROUP BY bucket
		 ORDER BY bucket`,
		toDB(width), toDB(lo), toDB(hi),
	)
	if err != nil {
		return nil, db.Classify("read window: buckets", err)
	}
	snap.Buckets, err = collectBuckets(rows)
	if err != nil {
		return nil, db.Classify("read window: buckets", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, db.Classify("read window: commit", err)
	}
	r.log.Debug("window read",
		zap.Uint64("begin", begin),
		zap.Uint64("end", end),
		zap.Uint64("width", width),
		zap.Int("buckets", len(snap.Buckets)),
	)
	return snap, nil
}

func toDB(v uint64) int64 {
	if v > models.MaxStoredTimestamp {
		return int64(models.MaxStoredTimestamp)
	}
	return int64(v)
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

// scanSample returns nil, nil when the row is absent.
func scanSample(row scannable) (*models.Sample, error) {
	var when, price int64
	if err := row.Scan(&when, &price); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &models.Sample{When: uint64(when), PriceCents: uint32(price)}, nil
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func collectBuckets(rows rowsIter) ([]models.BucketSum, error) {
	defer rows.Close()
	var out []models.BucketSum
	for rows.Next() {
		var idx, sum, count int64
		if err := rows.Scan(&idx, &sum, &count); err != nil {
			return nil, err
		}
		out = append(out, models.BucketSum{Index: uint64(idx), Sum: uint64(sum), Count: uint64(count)})
	}
	return out, rows.Err()
}
