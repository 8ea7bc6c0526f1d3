package lock

import (
	"context"
	"sync"
	"time"

	"verifactu/pkg/platform/sentinel"
)

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := l.ref(key)

	select {
	case s.ch <- struct{}{}:
		return l.releaser(key, s), nil
	default:
	}
	if timeout <= 0 {
		l.unref(key)
		return nil, sentinel.ErrLocked
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.unref(key)
		return nil, sentinel.ErrLocked
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}
	return l.releaser(key, s), nil
}

func (l *Local) releaser(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key)
		})
	}
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
