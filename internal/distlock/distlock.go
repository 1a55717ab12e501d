// Package distlock provides the locks serializing connector runs.
//
// A lock key is an opaque string, by convention "<tenant>/<connector>". The
// Postgres source maps keys onto session advisory locks so mutual exclusion
// holds across processes; the local source is for single-process deployments
// and tests.
package distlock

import (
	"context"
	"errors"
	"sync"
)

// Locker is one acquirable lock handle.
type Locker interface {
	// Lock blocks until the key is held or the context is done.
	Lock(ctx context.Context, key string) error
	// TryLock reports whether the key was acquired, without blocking.
	TryLock(ctx context.Context, key string) (bool, error)
	// Unlock releases the held key.
	Unlock() error
}

// Source mints lock handles sharing one mutual-exclusion domain.
type Source interface {
	NewLock() Locker
}

var _ Source = (*localSource)(nil)
var _ Locker = (*localTab)(nil)

type localSource struct {
	sync.RWMutex
	m map[string]chan struct{}
}

// LocalSource provides locks backed by local concurrency primitives.
func LocalSource() Source {
	return &localSource{
		m: make(map[string]chan struct{}),
	}
}

func (s *localSource) NewLock() Locker {
	return &localTab{s: s}
}

func (s *localSource) getch(key string) chan struct{} {
	s.RLock()
	ch, ok := s.m[key]
	s.RUnlock()
	if !ok {
		s.Lock()
		defer s.Unlock()
		ch, ok = s.m[key]
		if !ok {
			ch = make(chan struct{}, 1)
			ch <- struct{}{}
			s.m[key] = ch
		}
	}
	return ch
}

type localTab struct {
	s  *localSource
	ch chan struct{}
}

func (t *localTab) Lock(ctx context.Context, key string) error {
	ch := t.s.getch(key)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		t.ch = ch
		return nil
	}
}

func (t *localTab) TryLock(ctx context.Context, key string) (bool, error) {
	ch := t.s.getch(key)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-ch:
		t.ch = ch
		return true, nil
	default:
		return false, nil
	}
}

var errNotLocked = errors.New("not locked")

func (t *localTab) Unlock() error {
	if t.ch == nil {
		return errNotLocked
	}
	t.ch <- struct{}{}
	t.ch = nil
	return nil
}
