package mutation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Locker serializes mutations per resource. Release must be called exactly
// once per successful Acquire; extra calls are ignored.
type Locker interface {
	Acquire(ctx context.Context, resource string) (release func(), err error)
}

type localLock struct {
	sem       chan struct{}
	refs      int
	heldSince time.Time
}

// LocalLocker is an in-process keyed mutex. Waiting respects ctx.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
	clock func() time.Time
}

// NewLocalLocker creates an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*localLock{}, clock: time.Now}
}

// WithClock overrides the clock used for lock ages.
func (l *LocalLocker) WithClock(clock func() time.Time) *LocalLocker {
	l.clock = clock
	return l
}

func (l *LocalLocker) Acquire(ctx context.Context, resource string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[resource]
	if !ok {
		lk = &localLock{sem: make(chan struct{}, 1)}
		l.locks[resource] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(resource, lk)
		l.mu.Unlock()
		return nil, ctx.Err()
	}

	l.mu.Lock()
	lk.heldSince = l.clock()
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			lk.heldSince = time.Time{}
			l.drop(resource, lk)
			l.mu.Unlock()
			<-lk.sem
		})
	}, nil
}

// drop releases one reference. Caller holds l.mu.
func (l *LocalLocker) drop(resource string, lk *localLock) {
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, resource)
	}
}

// StaleLocks lists resources locked for longer than maxAge.
func (l *LocalLocker) StaleLocks(_ context.Context, maxAge time.Duration) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	var stale []string
	for resource, lk := range l.locks {
		if !lk.heldSince.IsZero() && now.Sub(lk.heldSince) > maxAge {
			stale = append(stale, resource)
		}
	}
	sort.Strings(stale)
	return stale, nil
}
