package pgpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NewPgxDialer builds a Dialer from a PostgreSQL connection URL. The URL
// is parsed once at startup so malformed configuration fails fast.
func NewPgxDialer(url string) (Dialer, error) {
	cfg, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	// Tool queries are small and predictable; simple protocol keeps the
	// session free of prepared-statement state across reuse.
	cfg.DefaultQueryExecMode = pgx.QueryExecModeExec
	cfg.RuntimeParams["application_name"] = "pgscope"

	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &pgxConn{conn: conn}, nil
	}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *pgxConn) IsClosed() bool {
	return c.conn.IsClosed()
}
