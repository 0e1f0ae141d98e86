// Package lock serializes mutations per key in FIFO order with a bounded wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/metrics"
)

// GlobalKey serializes every source map write behind a single key.
const GlobalKey = "sourceMap"

// DefaultTimeout bounds how long a caller waits for its turn.
const DefaultTimeout = 10 * time.Second

// ticket is one caller's place in a key's queue. done closes when the caller
// finishes, which admits the next ticket in line.
type ticket struct {
	done chan struct{}
	once sync.Once
}

func newTicket() *ticket {
	return &ticket{done: make(chan struct{})}
}

func (t *ticket) release() {
	t.once.Do(func() { close(t.done) })
}

// Locker hands out per-key turns. Keys are independent of each other.
type Locker struct {
	mu      sync.Mutex
	tails   map[string]*ticket
	timeout time.Duration
	logger  *zap.Logger
}

// Option customizes a Locker.
type Option func(*Locker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a Locker.
func New(opts ...Option) *Locker {
	l := &Locker{
		tails:   make(map[string]*ticket),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire waits for key and returns the function that releases it.
//
// A caller that waits longer than the timeout gets collector.ErrLockTimeout and
// the key is cleared, so later callers do not queue behind a stuck holder.
// Its successor is admitted at once, while the holder ahead of the timed-out
// caller may still be running: after a timeout two operations on the same key
// can overlap, and writes they make without store-level protection, such as
// version numbering, may collide.
// A caller whose context ends while waiting keeps its place in the chain until
// its predecessor finishes, preserving mutual exclusion for those behind it.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	mine := newTicket()

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = mine
	l.mu.Unlock()

	release := func() {
		mine.release()
		l.clear(key, mine)
	}
	if prev == nil {
		metrics.ObserveLockWait("acquired", 0)
		return release, nil
	}

	start := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-prev.done:
		metrics.ObserveLockWait("acquired", time.Since(start))
		return release, nil
	case <-timer.C:
		metrics.ObserveLockWait("timeout", time.Since(start))
		l.logger.Warn("lock wait timed out; clearing key",
			zap.String("key", key),
			zap.Duration("timeout", l.timeout),
		)
		l.mu.Lock()
		if l.tails[key] == mine {
			delete(l.tails, key)
		}
		l.mu.Unlock()
		mine.release()
		return nil, fmt.Errorf("acquire %q: %w", key, collector.ErrLockTimeout)
	case <-ctx.Done():
		metrics.ObserveLockWait("canceled", time.Since(start))
		go func() {
			<-prev.done
			release()
		}()
		return nil, fmt.Errorf("acquire %q: %w", key, ctx.Err())
	}
}

func (l *Locker) clear(key string, t *ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tails[key] == t {
		delete(l.tails, key)
	}
}

// Pending reports how many keys currently have a holder or waiters.
func (l *Locker) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}

// Do runs fn while holding key and returns its result.
func Do[T any](ctx context.Context, l *Locker, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if l == nil {
		return zero, errors.New("lock: nil locker")
	}
	release, err := l.Acquire(ctx, key)
	if err != nil {
		return zero, err
	}
	defer release()
	return fn(ctx)
}
