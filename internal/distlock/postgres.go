package distlock

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Source = (*poolSource)(nil)
var _ Locker = (*poolLock)(nil)

type poolSource struct {
	p *pgxpool.Pool
}

// PoolSource provides locks backed by Postgres session advisory locks, so
// exclusion holds across every process sharing the database.
func PoolSource(p *pgxpool.Pool) Source {
	return &poolSource{p: p}
}

func (s *poolSource) NewLock() Locker {
	return &poolLock{p: s.p}
}

type poolLock struct {
	p    *pgxpool.Pool
	conn *pgxpool.Conn
}

// keyify folds the key into the advisory lock keyspace.
func keyify(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Lock implements Locker.
//
// The advisory lock is session-scoped, so the underlying connection is
// pinned until Unlock.
func (l *poolLock) Lock(ctx context.Context, key string) error {
	conn, err := l.p.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1);`, keyify(key)); err != nil {
		conn.Release()
		return err
	}
	l.conn = conn
	return nil
}

// TryLock implements Locker.
func (l *poolLock) TryLock(ctx context.Context, key string) (bool, error) {
	conn, err := l.p.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1);`, keyify(key)).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Unlock implements Locker.
func (l *poolLock) Unlock() error {
	if l.conn == nil {
		return errNotLocked
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	// Session advisory locks release with the session; the explicit unlock
	// lets the pooled connection be reused immediately.
	_, err := l.conn.Exec(context.Background(), `SELECT pg_advisory_unlock_all();`)
	return err
}
