package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises writers per customer. Release must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, customerID int64) (release func(), err error)
}

// LockKey builds the lock key for a customer.
func LockKey(customerID int64) string {
	return fmt.Sprintf("ledger:customer:%d:lock", customerID)
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[int64]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns a LocalLocker that gives up after wait.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &LocalLocker{wait: wait, slots: make(map[int64]*localSlot)}
}

// Acquire blocks until the customer's slot is free, ctx ends, or the wait elapses.
func (l *LocalLocker) Acquire(ctx context.Context, customerID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[customerID]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[customerID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.unref(customerID, slot)
			})
		}, nil
	case <-ctx.Done():
		l.unref(customerID, slot)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(customerID, slot)
		return nil, ErrLockNotAcquired
	}
}

func (l *LocalLocker) unref(customerID int64, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, customerID)
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock shared by every API and worker process.
type RedisLocker struct {
	client   redis.UniversalClient
	ttl      time.Duration
	wait     time.Duration
	interval time.Duration
}

// NewRedisLocker builds a RedisLocker. ttl bounds how long a crashed holder blocks others.
func NewRedisLocker(client redis.UniversalClient, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, interval: 10 * time.Millisecond}
}

// Acquire polls SET NX until it succeeds or the wait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, customerID int64) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("credit: redis locker not initialised")
	}
	key := LockKey(customerID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	interval := l.interval
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("credit: acquire lock: %w", err)
		}
		if ok {
			return func() {
				// Use a fresh context so a cancelled request still releases its lock.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().Add(interval).After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if interval < 100*time.Millisecond {
			interval *= 2
		}
	}
}

// RetryPolicy bounds how often a contended unit of work is re-run.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// Exhaustion is reported as ErrConcurrentModification wrapping the last error.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	p = p.normalised()
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == p.Attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
}
