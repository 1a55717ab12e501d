// Package microbatch flushes large volumes of single-statement inserts onto
// a transaction in bounded batches.
package microbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Insert creates batches limited by the configured batch size.
type Insert struct {
	// the transaction the batches are sent on
	tx pgx.Tx
	// the current batch holding queued inserts
	currBatch *pgx.Batch
	// the size we flush a batch at
	batchSize int
	// inserts queued in the current batch
	currQueue int
	// the timeout for one batch send
	timeout time.Duration
}

// NewInsert returns a micro batcher sending on tx.
func NewInsert(tx pgx.Tx, batchSize int, timeout time.Duration) *Insert {
	if timeout == 0 {
		timeout = time.Minute
	}
	return &Insert{
		tx:        tx,
		batchSize: batchSize,
		timeout:   timeout,
	}
}

// Queue enqueues a query and its arguments into the current batch, sending
// it if the configured size is reached.
func (v *Insert) Queue(ctx context.Context, query string, args ...any) error {
	if v.currQueue == v.batchSize {
		if err := v.sendBatch(ctx, v.currQueue); err != nil {
			return fmt.Errorf("failed to flush batch while queueing: %w", err)
		}
		v.currQueue = 0
	}
	v.currQueue++
	if v.currBatch == nil {
		v.currBatch = &pgx.Batch{}
	}
	v.currBatch.Queue(query, args...)
	return nil
}

// Done submits any remaining queued inserts.
//
// Done MUST be called after the final Queue to ensure the batches are
// properly flushed.
func (v *Insert) Done(ctx context.Context) error {
	if v.currQueue == 0 {
		return nil
	}
	return v.sendBatch(ctx, v.currQueue)
}

func (v *Insert) sendBatch(ctx context.Context, n int) error {
	tctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	res := v.tx.SendBatch(tctx, v.currBatch)
	defer res.Close()
	v.currBatch = nil
	for i := 0; i < n; i++ {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("failed in exec iteration %d: %w", i, err)
		}
	}
	return nil
}
