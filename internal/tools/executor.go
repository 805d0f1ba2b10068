package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/pgscope/internal/pgpool"
)

// Executor runs catalog tools against the connection pool. It is safe for
// concurrent use; each execution owns its connection exclusively between
// acquire and release.
type Executor struct {
	reg            *Registry
	pool           *pgpool.Pool
	acquireTimeout time.Duration
	queryTimeout   time.Duration
	logger         *slog.Logger
}

func NewExecutor(reg *Registry, pool *pgpool.Pool, acquireTimeout, queryTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Executor{
		reg:            reg,
		pool:           pool,
		acquireTimeout: acquireTimeout,
		queryTimeout:   queryTimeout,
		logger:         logger,
	}
}

// Registry exposes the catalog for listing.
func (e *Executor) Registry() *Registry { return e.reg }

// Execute resolves name, validates args, and runs the tool's statements
// on a pooled connection under the query deadline. Errors returned are
// members of the public taxonomy; raw backend detail is only logged.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	spec, err := e.reg.lookupSpec(name)
	if err != nil {
		return nil, err
	}

	// All argument validation happens here; no query runs on bad input.
	p, err := spec.plan(args)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.acquireTimeout)
	conn, err := e.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		e.logger.Warn("connection acquisition failed", "tool", name, "error", err)
		return nil, errors.Join(ErrResourceUnavailable, err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	results := make(map[string][]map[string]any, len(p.stmts))
	for _, stmt := range p.stmts {
		start := time.Now()
		rows, qerr := conn.Query(queryCtx, stmt.sql, stmt.args...)
		if qerr != nil {
			connFault := pgpool.IsConnFault(conn, qerr)
			e.pool.Release(conn, !connFault)
			e.logger.Error("tool query failed",
				"tool", name,
				"statement", stmt.key,
				"duration", time.Since(start),
				"conn_fault", connFault,
				"error", qerr)
			if errors.Is(qerr, context.DeadlineExceeded) {
				return nil, ErrQueryTimeout
			}
			return nil, NewInternalError(qerr)
		}
		ceiling := stmt.maxRows
		if ceiling <= 0 {
			ceiling = e.reg.statementRows
		}
		if ceiling > 0 && len(rows) > ceiling {
			rows = rows[:ceiling]
		}
		results[stmt.key] = rows
		e.logger.Debug("tool query ok",
			"tool", name, "statement", stmt.key, "rows", len(rows), "duration", time.Since(start))
	}

	e.pool.Release(conn, true)
	return p.assemble(results), nil
}
