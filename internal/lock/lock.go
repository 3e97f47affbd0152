// Package lock enforces the single-writer rule for venue sessions. Every
// engine instance that wants to trade a venue must hold that venue's etcd
// lease first; a second instance starting against the same venue fails fast
// instead of double-connecting with the same CompIDs.
//
// The lock is optional. Deployments without etcd pass a nil *VenueLock to the
// engine and enforce the rule operationally.
package lock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

var (
	// ErrVenueHeld means another engine instance holds the venue lease.
	ErrVenueHeld = errors.New("lock: venue lease held by another session")
	// ErrNotHeld means this instance never acquired the venue being released.
	ErrNotHeld = errors.New("lock: venue lease not held")
	// ErrClosed means the lock has been torn down.
	ErrClosed = errors.New("lock: closed")
)

// Config configures the etcd client behind a VenueLock.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	SessionTTL  time.Duration
	KeyPrefix   string
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "/fixcore/venues"
	}
}

// VenueLock holds one etcd mutex per acquired venue, all bound to a single
// lease-backed session. If the lease expires every held venue is lost at once;
// Done signals that so the owner can stop trading.
type VenueLock struct {
	cfg    Config
	log    *zap.Logger
	client *clientv3.Client

	mu      sync.Mutex
	session *concurrency.Session
	held    map[string]*concurrency.Mutex
	closed  bool
}

// New builds a VenueLock against the configured etcd endpoints. The client
// dials lazily and the lease session is created on first Acquire, so New does
// not require etcd to be reachable.
func New(cfg Config, log *zap.Logger) (*VenueLock, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("lock: no etcd endpoints configured")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.withDefaults()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("lock: create etcd client: %w", err)
	}

	return &VenueLock{
		cfg:    cfg,
		log:    log.Named("lock"),
		client: client,
		held:   make(map[string]*concurrency.Mutex),
	}, nil
}

// Acquire takes the lease for venue, failing fast with ErrVenueHeld when
// another session owns it. Acquiring a venue this instance already holds is a
// no-op.
func (l *VenueLock) Acquire(ctx context.Context, venue string) error {
	if venue == "" {
		return fmt.Errorf("lock: empty venue")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if _, ok := l.held[venue]; ok {
		return nil
	}

	sess, err := l.sessionLocked()
	if err != nil {
		return err
	}

	mtx := concurrency.NewMutex(sess, l.keyFor(venue))
	if err := mtx.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return fmt.Errorf("%w: %s", ErrVenueHeld, venue)
		}
		return fmt.Errorf("lock: acquire %s: %w", venue, err)
	}

	l.held[venue] = mtx
	l.log.Info("venue lease acquired",
		zap.String("venue", venue),
		zap.String("key", mtx.Key()),
	)
	return nil
}

// Release gives up the lease for venue.
func (l *VenueLock) Release(ctx context.Context, venue string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	mtx, ok := l.held[venue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, venue)
	}
	delete(l.held, venue)

	if err := mtx.Unlock(ctx); err != nil {
		return fmt.Errorf("lock: release %s: %w", venue, err)
	}
	l.log.Info("venue lease released", zap.String("venue", venue))
	return nil
}

// Held lists the venues currently held by this instance, sorted.
func (l *VenueLock) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldLocked()
}

// Done reports lease loss: the returned channel closes when the backing etcd
// session expires, after which held venues are no longer protected. Returns
// nil when no session has been established yet.
func (l *VenueLock) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	return l.session.Done()
}

// Close releases every held venue, then tears down the session and client.
// Safe to call more than once.
func (l *VenueLock) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for venue, mtx := range l.held {
		if err := mtx.Unlock(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lock: release %s: %w", venue, err)
		}
	}
	l.held = nil

	if l.session != nil {
		if err := l.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lock: close session: %w", err)
		}
		l.session = nil
	}
	if err := l.client.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("lock: close client: %w", err)
	}
	return firstErr
}

// sessionLocked returns the live session, creating one on first use and
// replacing one whose lease has expired. Expiry invalidates every held mutex,
// so the held set is cleared with a warning.
func (l *VenueLock) sessionLocked() (*concurrency.Session, error) {
	if l.session != nil {
		select {
		case <-l.session.Done():
			l.log.Warn("etcd session expired, previously held venue leases are gone",
				zap.Strings("venues", l.heldLocked()))
			l.session = nil
			l.held = make(map[string]*concurrency.Mutex)
		default:
			return l.session, nil
		}
	}

	sess, err := concurrency.NewSession(l.client,
		concurrency.WithTTL(int(l.cfg.SessionTTL.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("lock: create etcd session: %w", err)
	}
	l.session = sess
	return sess, nil
}

func (l *VenueLock) heldLocked() []string {
	venues := make([]string, 0, len(l.held))
	for v := range l.held {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	return venues
}

func (l *VenueLock) keyFor(venue string) string {
	return path.Join(l.cfg.KeyPrefix, venue)
}
