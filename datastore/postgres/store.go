package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel/datastore"
)

var (
	metricLabels  = []string{"query", "success"}
	databaseTimer = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "datastore_postgres",
		Name:      "query_duration_seconds",
		Help:      "Database query duration for noted query, including data read time.",
	}, metricLabels)
	databaseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "datastore_postgres",
		Name:      "query_total",
		Help:      "Database query count for noted query.",
	}, metricLabels)
)

// observe records the duration and outcome of the named query. Use as
//
//	defer observe("upsertNode", &err)()
func observe(name string, err *error) func() {
	start := time.Now()
	return func() {
		l := prometheus.Labels{"query": name, "success": strconv.FormatBool(*err == nil)}
		databaseTimer.With(l).Observe(time.Since(start).Seconds())
		databaseCounter.With(l).Inc()
	}
}

// Store implements [datastore.Store].
type Store struct {
	pool *pgxpool.Pool
	pub  datastore.Publisher
}

var _ datastore.Store = (*Store)(nil)

// NewStore wraps an initialized pool. The publisher may be nil, silencing
// graph events.
func NewStore(pool *pgxpool.Pool, pub datastore.Publisher) *Store {
	return &Store{pool: pool, pub: pub}
}

// contended reports whether the error is a serialization or deadlock
// failure worth retrying.
func contended(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

const maxTxAttempts = 5

// withRetry runs f, retrying contention failures with doubling backoff up
// to five attempts.
func withRetry(ctx context.Context, f func(context.Context) error) error {
	backoff := 10 * time.Millisecond
	var err error
	for n := 0; n < maxTxAttempts; n++ {
		if n != 0 {
			zlog.Debug(ctx).
				Int("attempt", n).
				Dur("backoff", backoff).
				Msg("retrying contended transaction")
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
		}
		if err = f(ctx); err == nil || !contended(err) {
			return err
		}
	}
	return err
}
