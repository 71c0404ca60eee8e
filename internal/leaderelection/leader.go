// Package leaderelection picks one instance to run store maintenance
// (reconciler and pruner) when several share a PostgreSQL database.
//
// Leadership is a session-scoped advisory lock held on a dedicated
// connection; there is no renewal or TTL. If the connection dies, Postgres
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// MaintenanceLockKey is the advisory lock key shared by every instance.
const MaintenanceLockKey int64 = 0x77686b6d61696e74 // "whkmaint"

// Loss reasons reported to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Session is a dedicated connection that can hold an advisory lock.
type Session interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sessions opens lock sessions.
type Sessions interface {
	Open(ctx context.Context) (Session, error)
}

type Config struct {
	LockKey int64
	// RetryInterval is how often a follower attempts to take the lock.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its connection.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockKey:           MaintenanceLockKey,
		RetryInterval:     15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Elector runs leader duties on whichever instance holds the lock.
type Elector struct {
	config    Config
	sessions  Sessions
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	logger    *slog.Logger
}

// New creates an Elector.
//
// onElected is called synchronously when this instance acquires the lock.
// It should start leader duties bound to ctx and return; ctx is cancelled
// when leadership is lost.
//
// onDemoted is called after ctx is cancelled. It should block until leader
// duties have fully stopped.
func New(config Config, sessions Sessions, onElected func(ctx context.Context), onDemoted func()) *Elector {
	return &Elector{
		config:    config,
		sessions:  sessions,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    slog.Default().With("component", "leader"),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(l *slog.Logger) *Elector {
	e.logger = l.With("component", "leader")
	return e
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("election loop started",
		"lock_key", e.config.LockKey,
		"retry", e.config.RetryInterval,
		"heartbeat", e.config.HeartbeatInterval,
	)

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			e.logger.Info("election loop stopped")
			return
		}
		if reason != "" {
			e.logger.Warn("lost leadership", "reason", reason, "retry_in", e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it. Returns the reason
// leadership was lost, or "" if the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.sessions.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("failed to open lock session", "error", err)
		}
		return ""
	}
	defer session.Close()

	acquired, err := session.TryLock(ctx, e.config.LockKey)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("advisory lock query failed", "error", err)
		}
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another instance", "lock_key", e.config.LockKey)
		return ""
	}

	e.logger.Info("acquired leadership", "lock_key", e.config.LockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	e.onElected(leaderCtx)

	reason := e.holdLock(ctx, session)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info("released leadership", "lock_key", e.config.LockKey, "reason", reason)
	return reason
}

// holdLock blocks while pinging the session. Returns why the lock was lost.
func (e *Elector) holdLock(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Warn("lock session ping failed", "error", err)
				return ReasonConnLost
			}
		}
	}
}

// Duties is a set of long-running functions started together and awaited
// together. Start and Wait fit New's onElected and onDemoted.
type Duties struct {
	fns []func(ctx context.Context)
	wg  sync.WaitGroup
}

func NewDuties(fns ...func(ctx context.Context)) *Duties {
	return &Duties{fns: fns}
}

func (d *Duties) Len() int {
	return len(d.fns)
}

// Start launches every duty bound to ctx and returns immediately.
func (d *Duties) Start(ctx context.Context) {
	for _, fn := range d.fns {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			fn(ctx)
		}()
	}
}

// Wait blocks until every duty started by Start has returned.
func (d *Duties) Wait() {
	d.wg.Wait()
}

// PostgresSessions opens sessions on dedicated connections from db.
type PostgresSessions struct {
	DB *sql.DB
}

func (p PostgresSessions) Open(ctx context.Context) (Session, error) {
	conn, err := p.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return pgSession{conn: conn}, nil
}

// pgSession holds the lock for as long as conn stays open. Closing the
// connection returns it to the pool, so Close unlocks explicitly first.
type pgSession struct {
	conn *sql.Conn
}

func (s pgSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	return acquired, err
}

func (s pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}
