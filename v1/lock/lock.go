package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/store"
)

const (
	defaultTTL              = 3 * time.Second
	defaultBaseDelay        = 150 * time.Millisecond
	defaultMaxDelay         = 3 * time.Second
	defaultTries            = 5
	defaultWatchdogInterval = time.Second
	releaseTimeout          = 5 * time.Second
)

// KeyPrefix is prepended to lock names to form store keys.
const KeyPrefix = "lock:"

// State is the lifecycle phase of a Lock as seen by its holder.
type State int32

const (
	Unlocked State = iota
	Acquiring
	Held
	Released
	Expired
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Lock is a named lease in a shared Store. At most one owner holds a
// non-expired lease at any time.
type Lock struct {
	name     string
	key      string
	owner    string
	store    store.Store
	ttl      time.Duration
	base     time.Duration
	maxDelay time.Duration
	tries    int
	interval time.Duration
	clock    clock.Clock
	sched    *Scheduler
	metrics  *metrics.Lock
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	lease Lease
	// busy is set from the start of Acquire until Release or a failed
	// attempt, so one Lock is held by at most one caller at a time.
	busy bool
}

// Option configures a Lock.
type Option func(*Lock)

// WithTTL sets the lease duration.
func WithTTL(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithBaseDelay sets the initial retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.base = d
		}
	}
}

// WithMaxDelay caps the retry delay.
func WithMaxDelay(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.maxDelay = d
		}
	}
}

// WithTries sets the total number of acquisition attempts made by Execute.
func WithTries(n int) Option {
	return func(l *Lock) {
		if n > 0 {
			l.tries = n
		}
	}
}

// WithWatchdogInterval sets how often the watchdog checks the lease.
func WithWatchdogInterval(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithScheduler shares s between locks instead of creating one per lock.
func WithScheduler(s *Scheduler) Option {
	return func(l *Lock) {
		l.sched = s
	}
}

// WithClock sets the clock used for lease times and the default scheduler.
func WithClock(c clock.Clock) Option {
	return func(l *Lock) {
		l.clock = c
	}
}

// WithMetrics registers lock collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Lock) {
		l.metrics = metrics.NewLock(reg)
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Lock) {
		l.logger = lg
	}
}

// New returns a Lock on name owned by identity. Each Lock carries a unique
// owner token, so two Locks of the same process never share a lease.
func New(name, identity string, s store.Store, opts ...Option) *Lock {
	token, err := uuid.GenerateUUID()
	if err != nil {
		token = fmt.Sprintf("%p", &name)
	}
	l := &Lock{
		name:     name,
		key:      KeyPrefix + name,
		owner:    identity + "/" + token,
		store:    s,
		ttl:      defaultTTL,
		base:     defaultBaseDelay,
		maxDelay: defaultMaxDelay,
		tries:    defaultTries,
		interval: defaultWatchdogInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.sched == nil {
		l.sched = NewScheduler(l.clock)
	}
	// renewals must happen well before the lease lapses
	if l.interval >= l.ttl/2 {
		l.interval = l.ttl / 3
	}
	return l
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Owner returns the owner token written into leases.
func (l *Lock) Owner() string { return l.owner }

// State returns the current lifecycle phase.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lock) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Lock) held(lease Lease) {
	l.mu.Lock()
	l.state = Held
	l.lease = lease
	l.mu.Unlock()
}

func (l *Lock) wrap(op string, err error) error {
	return &tethererrors.LockError{Name: l.name, Op: op, Err: err}
}

// current reads and decodes the lease stored under the lock key.
func (l *Lock) current(ctx context.Context) (Lease, []byte, bool, error) {
	raw, ok, err := l.store.Get(ctx, l.key)
	if err != nil || !ok {
		return Lease{}, nil, false, err
	}
	lease, err := ParseLease(string(raw))
	if err != nil {
		return Lease{}, raw, true, err
	}
	return lease, raw, true, nil
}

// Acquire makes a single attempt to take the lease. An existing lease whose
// expiry has passed is replaced atomically. It fails without touching the
// store while another caller holds or is acquiring this Lock.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.metrics.Attempted(l.name)
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return false, nil
	}
	l.busy = true
	l.state = Acquiring
	l.mu.Unlock()

	ok, err := l.acquire(ctx)
	if err != nil || !ok {
		l.mu.Lock()
		l.busy = false
		l.state = Unlocked
		l.mu.Unlock()
		return false, err
	}
	l.metrics.Acquired(l.name)
	return true, nil
}

func (l *Lock) acquire(ctx context.Context) (bool, error) {
	// the key can vanish between SetNX and Get; one more round covers it
	for round := 0; round < 2; round++ {
		now := l.clock.Now()
		next := Lease{Owner: l.owner, ExpiresAt: now.Add(l.ttl)}
		ok, err := l.store.SetNX(ctx, l.key, []byte(next.Encode()), l.ttl)
		if err != nil {
			return false, l.wrap("acquire", err)
		}
		if ok {
			l.held(next)
			return true, nil
		}

		cur, raw, found, err := l.current(ctx)
		if err != nil {
			if raw == nil {
				return false, l.wrap("acquire", err)
			}
			// an unreadable lease is treated as held by someone else
			return false, nil
		}
		if !found {
			continue
		}
		if cur.Owner == l.owner && !cur.Expired(now) {
			l.held(cur)
			return true, nil
		}
		if !cur.Expired(now) {
			return false, nil
		}
		ok, err = l.store.CompareAndSwap(ctx, l.key, raw, []byte(next.Encode()), l.ttl)
		if err != nil {
			return false, l.wrap("acquire", err)
		}
		if ok {
			l.held(next)
		}
		return ok, nil
	}
	return false, nil
}

// Renew extends the lease if this Lock still owns it. The expiry never moves
// backwards.
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	cur, raw, found, err := l.current(ctx)
	if err != nil {
		if raw == nil {
			return false, l.wrap("renew", err)
		}
		return false, nil
	}
	if !found || cur.Owner != l.owner {
		return false, nil
	}
	now := l.clock.Now()
	expiry := now.Add(l.ttl)
	if cur.ExpiresAt.After(expiry) {
		expiry = cur.ExpiresAt
	}
	next := Lease{Owner: l.owner, ExpiresAt: expiry}
	ok, err := l.store.CompareAndSwap(ctx, l.key, raw, []byte(next.Encode()), expiry.Sub(now))
	if err != nil {
		return false, l.wrap("renew", err)
	}
	if ok {
		l.held(next)
		l.metrics.Renewed(l.name)
	}
	return ok, nil
}

// Release deletes the lease if this Lock owns it and reports whether it did.
// The Lock can be acquired again afterwards, whatever the outcome.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	defer func() {
		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
	}()
	cur, raw, found, err := l.current(ctx)
	if err != nil {
		if raw == nil {
			return false, l.wrap("release", err)
		}
		return false, nil
	}
	if !found || cur.Owner != l.owner {
		l.lost()
		return false, nil
	}
	ok, err := l.store.CompareAndDelete(ctx, l.key, raw)
	if err != nil {
		return false, l.wrap("release", err)
	}
	if ok {
		l.setState(Released)
	} else {
		l.lost()
	}
	return ok, nil
}

func (l *Lock) lost() {
	l.mu.Lock()
	wasHeld := l.state == Held
	if wasHeld {
		l.state = Expired
	}
	l.mu.Unlock()
	if wasHeld {
		l.metrics.Lost(l.name)
	}
}

// watch starts the watchdog and returns the func that stops it.
func (l *Lock) watch() func() {
	return l.sched.Every(l.interval, l.tick)
}

func (l *Lock) tick() {
	l.mu.Lock()
	state, lease := l.state, l.lease
	l.mu.Unlock()
	if state != Held {
		return
	}
	remaining := lease.ExpiresAt.Sub(l.clock.Now())
	if remaining > 2*l.interval {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.interval)
	defer cancel()
	ok, err := l.Renew(ctx)
	if err != nil {
		l.logger.Warn("tether: lease renewal failed", "lock", l.name, "remaining", remaining, "error", err)
		return
	}
	if !ok {
		l.lost()
		l.logger.Warn("tether: lease lost while held", "lock", l.name, "owner", l.owner)
	}
}

func (l *Lock) acquireWithRetry(ctx context.Context) error {
	attempts, err := retryAcquire(ctx, l)
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, tethererrors.ErrNotAcquired) {
		return &tethererrors.RetryExhaustedError{Name: l.name, Attempts: attempts, Err: err}
	}
	return err
}

// run executes task with the watchdog active and always stops the watchdog
// before releasing the lease, even if task panics. stop returns only once no
// renewal is in flight, so Release sees the final lease payload.
func run[T any](ctx context.Context, l *Lock, task func(ctx context.Context) (T, error)) (T, error) {
	stop := l.watch()
	defer func() {
		stop()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, err := l.Release(rctx); err != nil {
			l.logger.Warn("tether: lease release failed", "lock", l.name, "error", err)
		}
	}()
	return task(ctx)
}

// Execute acquires the lock, retrying with backoff, runs task and releases
// the lock. The task's error is returned unchanged.
func (l *Lock) Execute(ctx context.Context, task func(ctx context.Context) error) error {
	_, err := Supply(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	})
	return err
}

// Supply is Execute for tasks that produce a value.
func Supply[T any](ctx context.Context, l *Lock, task func(ctx context.Context) (T, error)) (T, error) {
	if err := l.acquireWithRetry(ctx); err != nil {
		var zero T
		return zero, err
	}
	return run(ctx, l, task)
}

// TryOnce runs task only if the lock is free right now. It reports whether
// task ran.
func (l *Lock) TryOnce(ctx context.Context, task func(ctx context.Context) error) (bool, error) {
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	_, err = run(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	})
	return true, err
}
