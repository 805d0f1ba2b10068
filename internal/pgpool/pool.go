// Package pgpool owns the bounded set of live PostgreSQL connections
// shared by all tool executions. Connections are dialed through a Dialer
// so the pool logic is testable without a running server.
package pgpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrExhausted is returned when no connection frees up before the
	// caller's deadline.
	ErrExhausted = errors.New("pgpool: pool exhausted")
	// ErrUnavailable is returned when the backing database cannot be
	// reached and no pooled connection exists to serve the request.
	ErrUnavailable = errors.New("pgpool: database unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pgpool: pool closed")
)

// Conn is one live database session. Exactly one execution owns a Conn
// between Acquire and Release.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens a new connection to the configured target.
type Dialer func(ctx context.Context) (Conn, error)

// Options bound the pool. Zero fields fall back to defaults.
type Options struct {
	Min           int
	Max           int
	DialTimeout   time.Duration
	MaxLifetime   time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Min < 0 {
		out.Min = 0
	}
	if out.Max <= 0 {
		out.Max = 20
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.MaxLifetime <= 0 {
		out.MaxLifetime = 30 * time.Minute
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = 15 * time.Second
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 3 * time.Second
	}
	return out
}

// Snapshot is the pool state consumed by the health state machine.
type Snapshot struct {
	Open              int       `json:"open"`
	InUse             int       `json:"in_use"`
	Idle              int       `json:"idle"`
	Min               int       `json:"min"`
	Max               int       `json:"max"`
	Acquires          uint64    `json:"acquires"`
	LastProbeAt       time.Time `json:"last_probe_at"`
	LastProbeOK       bool      `json:"last_probe_ok"`
	ConsecutiveProbes int       `json:"consecutive_probe_failures"`
}

type pooledConn struct {
	conn      Conn
	createdAt time.Time
}

// Pool maintains between Min and Max open connections, hands them out
// with FIFO fairness, and probes liveness in the background.
type Pool struct {
	opts   Options
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	idle    []*pooledConn
	waiters []chan *pooledConn // FIFO: Release serves waiters[0] first
	open    int                // dialed or being dialed, includes in-use and idle
	inUse   int
	closed  bool

	acquires    uint64
	lastProbeAt time.Time
	lastProbeOK bool
	probeFails  int

	kick   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func New(dial Dialer, opts Options, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opts:   opts.withDefaults(),
		dial:   dial,
		logger: logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start fills the pool toward Min and launches the background replenish
// and probe loops. An unreachable database is not fatal: the pool starts
// degraded and keeps redialing with backoff.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	opened := 0
	for i := 0; i < p.opts.Min; i++ {
		if err := p.openOne(ctx); err != nil {
			p.logger.Warn("initial connection failed, starting degraded",
				"error", err, "opened", opened, "min", p.opts.Min)
			break
		}
		opened++
	}
	if opened > 0 {
		p.logger.Info("connection pool ready", "open", opened, "min", p.opts.Min, "max", p.opts.Max)
	}

	go p.replenishLoop(ctx)
	go p.probeLoop(ctx)
}

// Acquire returns an exclusive connection or fails when ctx expires.
// Callers competing for an exhausted pool are served in arrival order.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Reuse an idle connection, discarding any past its lifetime.
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(pc) {
			p.open--
			p.mu.Unlock()
			p.closeConn(pc.conn)
			p.requestReplenish()
			p.mu.Lock()
			continue
		}
		p.inUse++
		p.acquires++
		p.mu.Unlock()
		return pc.conn, nil
	}

	// Room to grow: reserve a slot and dial outside the lock. With
	// waiters already queued, fall through and queue behind them; the
	// replenish loop dials the extra connection for the queue head.
	if len(p.waiters) == 0 && p.open < p.opts.Max {
		p.open++
		p.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
		conn, err := p.dial(dialCtx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			p.requestReplenish()
			return nil, errors.Join(ErrUnavailable, err)
		}

		p.mu.Lock()
		p.inUse++
		p.acquires++
		p.mu.Unlock()
		return conn, nil
	}

	// Pool at capacity or arrivals queued ahead: wait for a release,
	// and let the replenish loop dial if capacity remains.
	ch := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	p.requestReplenish()

	select {
	case pc := <-ch:
		if pc == nil { // channel closed by Close
			return nil, ErrClosed
		}
		return pc.conn, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A release may have raced the deadline; give the connection back.
		select {
		case pc := <-ch:
			if pc != nil {
				p.Release(pc.conn, true)
			}
		default:
		}
		return nil, ErrExhausted
	}
}

// Release returns a connection to the pool. healthy=false marks a
// connection-level fault: the connection is discarded and, if the pool
// sinks below Min, a replacement is dialed asynchronously.
func (p *Pool) Release(conn Conn, healthy bool) {
	p.mu.Lock()
	p.inUse--

	if p.closed {
		p.open--
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}

	if !healthy || conn.IsClosed() {
		p.open--
		p.mu.Unlock()
		p.closeConn(conn)
		p.requestReplenish()
		return
	}

	pc := &pooledConn{conn: conn, createdAt: time.Now()}
	if p.handoffLocked(pc) {
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// handoffLocked gives pc to the longest-waiting acquirer, if any.
// Caller holds p.mu.
func (p *Pool) handoffLocked(pc *pooledConn) bool {
	if len(p.waiters) == 0 {
		return false
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.inUse++
	p.acquires++
	ch <- pc
	return true
}

// Probe runs the liveness query on a short-lived checkout and updates the
// failure counters that drive health state.
func (p *Pool) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	err := p.probeOnce(ctx)
	if errors.Is(err, ErrExhausted) {
		// Every connection is busy serving requests: that is a load
		// condition, not a liveness verdict. Skip the tick so a
		// saturated pool over a healthy database never trips the
		// failure counter.
		p.logger.Debug("liveness probe skipped, pool fully utilized")
		return err
	}

	p.mu.Lock()
	p.lastProbeAt = time.Now()
	p.lastProbeOK = err == nil
	if err != nil {
		p.probeFails++
	} else {
		p.probeFails = 0
	}
	fails := p.probeFails
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("liveness probe failed", "error", err, "consecutive", fails)
	}
	return err
}

func (p *Pool) probeOnce(ctx context.Context) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = conn.Ping(ctx)
	p.Release(conn, err == nil || !isConnFault(conn, err))
	return err
}

// Stats returns the current snapshot. Cheap enough to call per request.
func (p *Pool) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Open:              p.open,
		InUse:             p.inUse,
		Idle:              len(p.idle),
		Min:               p.opts.Min,
		Max:               p.opts.Max,
		Acquires:          p.acquires,
		LastProbeAt:       p.lastProbeAt,
		LastProbeOK:       p.lastProbeOK,
		ConsecutiveProbes: p.probeFails,
	}
}

// Close stops the background loops and closes idle connections. In-use
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	for _, w := range waiters {
		close(w)
	}
	for _, pc := range idle {
		p.closeConn(pc.conn)
	}
}

func (p *Pool) expired(pc *pooledConn) bool {
	return time.Since(pc.createdAt) > p.opts.MaxLifetime
}

func (p *Pool) closeConn(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		p.logger.Debug("closing connection", "error", err)
	}
}

func (p *Pool) requestReplenish() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// openOne dials a fresh connection and parks it idle (or hands it to a
// waiter). The slot is reserved in p.open before dialing.
func (p *Pool) openOne(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.open >= p.opts.Max {
		p.mu.Unlock()
		return nil
	}
	p.open++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	conn, err := p.dial(dialCtx)
	cancel()
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return err
	}

	pc := &pooledConn{conn: conn, createdAt: time.Now()}
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		p.closeConn(conn)
		return nil
	}
	if !p.handoffLocked(pc) {
		p.idle = append(p.idle, pc)
	}
	p.mu.Unlock()
	return nil
}

// replenishLoop redials toward Min whenever a connection is discarded,
// and toward Max while acquirers are queued, backing off exponentially
// while the database stays unreachable.
func (p *Pool) replenishLoop(ctx context.Context) {
	const maxBackoff = time.Minute
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		case <-time.After(backoff):
		}

		for {
			p.mu.Lock()
			need := !p.closed &&
				(p.open < p.opts.Min ||
					(len(p.waiters) > 0 && p.open < p.opts.Max))
			p.mu.Unlock()
			if !need {
				backoff = time.Second
				break
			}
			if err := p.openOne(ctx); err != nil {
				if backoff < maxBackoff {
					backoff *= 2
				}
				p.logger.Warn("replenish dial failed", "error", err, "retry_in", backoff)
				break
			}
			backoff = time.Second
		}
	}
}

func (p *Pool) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Probe(ctx)
		}
	}
}

// isConnFault reports whether err invalidated the connection itself, as
// opposed to a query-logic error that leaves it reusable.
func isConnFault(conn Conn, err error) bool {
	if err == nil {
		return false
	}
	if conn.IsClosed() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsConnFault is the exported form used by the tool executor when
// deciding how to release a connection after a failed query.
func IsConnFault(conn Conn, err error) bool { return isConnFault(conn, err) }
