// Package db manages the long-lived database client each worker holds:
// warmup before first use, a retry envelope around transient failures, and
// refresh once the client goes stale.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Options configures the Manager. Zero values fall back to the defaults
// listed per field.
type Options struct {
	// ConnectionLimit caps open connections per worker. Kept deliberately
	// small (default 2): the datasource sits behind a pooler and horizontal
	// worker scaling provides the parallelism.
	ConnectionLimit int

	// PoolTimeout is the max wait for a pooled connection. Default 20s.
	PoolTimeout time.Duration

	// WarmupWait is the engine-readiness pause after connect, before the
	// verification queries run. Default 1s.
	WarmupWait time.Duration

	// MaxConnAge forces a client rebuild beyond this age. Default 5m.
	MaxConnAge time.Duration

	// MaxRetries bounds WithRetry attempts after the first. Default 5.
	MaxRetries int

	// BaseDelay seeds the exponential backoff (BaseDelay * 2^n). Default 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff curve. Default 3s.
	MaxDelay time.Duration

	// Opener replaces the default pgx opener. Tests hand the manager a
	// sqlmock-backed client through this.
	Opener func(dsn string) (*sqlx.DB, error)
}

func (o Options) withDefaults() Options {
	if o.ConnectionLimit == 0 {
		o.ConnectionLimit = 2
	}
	if o.PoolTimeout == 0 {
		o.PoolTimeout = 20 * time.Second
	}
	if o.WarmupWait == 0 {
		o.WarmupWait = time.Second
	}
	if o.MaxConnAge == 0 {
		o.MaxConnAge = 5 * time.Minute
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 3 * time.Second
	}
	return o
}

// warmupProbeQuery is the phase-2 verification: a model-level lookup that
// exercises the full query path. Not-found is success.
const warmupProbeQuery = `SELECT id FROM purchase_orders WHERE id = $1`

// Manager owns one long-lived sqlx client.
//
// All callers obtain the client through Client (or WithRetry), which blocks
// until the warmup protocol finishes:
//
//  1. open the connection
//  2. wait Options.WarmupWait for engine readiness
//  3. phase 1: SELECT 1
//  4. phase 2: model-level lookup tolerating not-found
//
// Only one warmup runs at a time; concurrent callers await the in-flight
// warmup promise. RefreshIfStale tears down and rebuilds through the same
// serialized path.
type Manager struct {
	dsn  string
	opts Options
	log  *logrus.Entry

	// open is swappable in tests (sqlmock).
	open func(dsn string) (*sqlx.DB, error)

	mu          sync.Mutex
	db          *sqlx.DB
	ready       bool
	warming     bool
	warmErr     error
	readyCh     chan struct{}
	connectedAt time.Time
}

// NewManager creates a Manager for the given Postgres DSN. No connection is
// opened until the first Client call.
func NewManager(dsn string, opts Options, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts = opts.withDefaults()
	m := &Manager{
		dsn:  dsn,
		opts: opts,
		log:  log,
		open: func(dsn string) (*sqlx.DB, error) {
			db, err := sqlx.Open("pgx", dsn)
			if err != nil {
				return nil, err
			}
			db.SetMaxOpenConns(opts.ConnectionLimit)
			db.SetMaxIdleConns(opts.ConnectionLimit)
			db.SetConnMaxLifetime(opts.MaxConnAge)
			return db, nil
		},
	}
	if opts.Opener != nil {
		m.open = opts.Opener
	}
	return m
}

// Client returns the ready client, starting (or joining) warmup if needed.
func (m *Manager) Client(ctx context.Context) (*sqlx.DB, error) {
	m.mu.Lock()
	if m.ready && m.db != nil && time.Since(m.connectedAt) < m.opts.MaxConnAge {
		db := m.db
		m.mu.Unlock()
		return db, nil
	}
	ch := m.startWarmupLocked()
	m.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warmErr != nil {
		return nil, m.warmErr
	}
	return m.db, nil
}

// startWarmupLocked launches the warmup goroutine unless one is already in
// flight, and returns the promise channel to wait on. Caller holds m.mu.
func (m *Manager) startWarmupLocked() chan struct{} {
	if m.warming {
		return m.readyCh
	}
	m.warming = true
	m.ready = false
	m.warmErr = nil
	m.readyCh = make(chan struct{})

	stale := m.db
	m.db = nil

	ch := m.readyCh
	go m.warmup(stale, ch)
	return ch
}

func (m *Manager) warmup(stale *sqlx.DB, done chan struct{}) {
	if stale != nil {
		_ = stale.Close()
	}

	db, err := m.connectAndVerify()

	m.mu.Lock()
	m.warming = false
	if err != nil {
		m.warmErr = err
		m.log.WithError(err).Error("database warmup failed")
	} else {
		m.db = db
		m.ready = true
		m.connectedAt = time.Now()
		m.log.Debug("database client warmed up")
	}
	m.mu.Unlock()
	close(done)
}

func (m *Manager) connectAndVerify() (*sqlx.DB, error) {
	db, err := m.open(m.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Engine readiness pause before any verification traffic.
	time.Sleep(m.opts.WarmupWait)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PoolTimeout)
	defer cancel()

	// Phase 1: trivial raw query.
	var one int
	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("warmup phase 1: %w", err)
	}

	// Phase 2: model-level lookup. Not-found is fine; the point is that the
	// engine can plan and execute a real table query.
	var id string
	err = db.GetContext(ctx, &id, warmupProbeQuery, "warmup-probe")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = db.Close()
		return nil, fmt.Errorf("warmup phase 2: %w", err)
	}

	return db, nil
}

// RefreshIfStale rebuilds the client if it is older than MaxConnAge or
// fails a health probe. Concurrent callers serialize on the warmup promise.
func (m *Manager) RefreshIfStale(ctx context.Context) error {
	m.mu.Lock()
	db := m.db
	age := time.Since(m.connectedAt)
	ready := m.ready
	m.mu.Unlock()

	stale := !ready || db == nil || age >= m.opts.MaxConnAge
	if !stale && db != nil {
		if err := db.PingContext(ctx); err != nil {
			m.log.WithError(err).Warn("health probe failed, refreshing client")
			stale = true
		}
	}
	if !stale {
		return nil
	}

	m.mu.Lock()
	m.ready = false
	ch := m.startWarmupLocked()
	m.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warmErr
}

// Invalidate marks the current client unusable so the next Client call
// rebuilds it. Used by WithRetry when a connection-level error surfaces.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
}

// WithRetry runs op against the managed client, retrying transient
// connection errors up to MaxRetries times with exponential backoff
// (BaseDelay * 2^n, capped at MaxDelay). Pooler exhaustion gets a jittered
// 2-5s wait instead. Non-retryable errors propagate immediately.
func (m *Manager) WithRetry(ctx context.Context, label string, op func(db *sqlx.DB) error) error {
	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt-1, lastErr)
			m.log.WithFields(logrus.Fields{
				"op":      label,
				"attempt": attempt,
				"delay":   delay,
			}).WithError(lastErr).Warn("retrying database operation")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		db, err := m.Client(ctx)
		if err != nil {
			lastErr = err
			if IsRetryable(err) {
				continue
			}
			return err
		}

		err = op(db)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		m.Invalidate()
	}
	return fmt.Errorf("%s: retries exhausted: %w", label, lastErr)
}

func (m *Manager) backoff(n int, cause error) time.Duration {
	if IsPoolExhausted(cause) {
		// Pooler saturation: 2-5s jittered wait.
		return 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second))) // #nosec G404 -- retry jitter
	}
	delay := m.opts.BaseDelay * (1 << n)
	if delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}
	return delay
}

// Close tears down the client. The Manager is unusable afterward except for
// a fresh Client call, which will rebuild.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}
