package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/pgscope/internal/api"
	"github.com/hazyhaar/pgscope/internal/config"
	"github.com/hazyhaar/pgscope/internal/health"
	"github.com/hazyhaar/pgscope/internal/mcp"
	"github.com/hazyhaar/pgscope/internal/pgpool"
	"github.com/hazyhaar/pgscope/internal/protocol"
	"github.com/hazyhaar/pgscope/internal/tools"
	"github.com/hazyhaar/pgscope/pkg/audit"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "stdio":
		cmdStdio(os.Args[2:])
	case "version":
		fmt.Printf("pgscope %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pgscope - read-only PostgreSQL inspection gateway

Usage:
  pgscope serve [--config config.toml] [--addr :8000]
  pgscope stdio [--config config.toml]
  pgscope version
  pgscope help

Commands:
  serve     Start the HTTP gateway (JSON-RPC at POST /mcp)
  stdio     Serve the tool catalog to an MCP client over stdio
  version   Print version
  help      Show this help`)
}

// gateway bundles the long-lived pieces shared by both transports.
type gateway struct {
	cfg      *config.Config
	pool     *pgpool.Pool
	exec     *tools.Executor
	registry *tools.Registry
	auditLog audit.Logger
}

func buildGateway(configPath string) (*gateway, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("no database target: set database.url or DATABASE_URL")
	}

	dial, err := pgpool.NewPgxDialer(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	pool := pgpool.New(dial, pgpool.Options{
		Min:           cfg.Database.PoolMin,
		Max:           cfg.Database.PoolMax,
		ProbeInterval: cfg.ProbeInterval(),
	}, nil)
	// Start tolerates an unreachable database: the pool comes up
	// degraded and retries in the background.
	pool.Start(context.Background())

	registry := tools.NewRegistry(tools.Limits{
		PreviewRows:   cfg.Limits.PreviewRows,
		ActivityRows:  cfg.Limits.ActivityRows,
		StatementRows: cfg.Limits.StatementRows,
	})
	exec := tools.NewExecutor(registry, pool, cfg.AcquireTimeout(), cfg.QueryTimeout(), nil)

	var auditLog audit.Logger = audit.Nop{}
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o755); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
		auditLog, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
	}

	return &gateway{cfg: cfg, pool: pool, exec: exec, registry: registry, auditLog: auditLog}, nil
}

func (g *gateway) Close() {
	g.auditLog.Close()
	g.pool.Close()
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	g, err := buildGateway(*configPath)
	if err != nil {
		log.Fatalf("starting gateway: %v", err)
	}
	defer g.Close()

	if *addr != "" {
		g.cfg.Server.Addr = *addr
	}

	info := protocol.ServerInfo{
		Name:        "pgscope",
		Version:     version,
		Description: "Read-only PostgreSQL inspection over MCP",
	}
	dispatcher := protocol.NewDispatcher(g.exec, info, nil)
	checker := health.NewChecker(g.pool, health.Thresholds{
		TripCount:   g.cfg.Database.ProbeTripCount,
		DegradedPct: g.cfg.Database.DegradedPct,
	})

	handler := api.New(dispatcher, g.registry, checker, info, api.Options{
		MaxBodyBytes:    int64(g.cfg.Limits.MaxBodyKB) * 1024,
		RateLimitPerMin: g.cfg.Server.RateLimitPerMin,
		AuditLog:        g.auditLog,
	})

	log.Printf("pgscope %s listening on %s", version, g.cfg.Server.Addr)
	log.Printf("tools: %d registered", g.registry.Len())

	if err := http.ListenAndServe(g.cfg.Server.Addr, handler.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func cmdStdio(args []string) {
	fs := flag.NewFlagSet("stdio", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	g, err := buildGateway(*configPath)
	if err != nil {
		log.Fatalf("starting gateway: %v", err)
	}
	defer g.Close()

	srv := mcp.NewServer(g.exec, version, g.auditLog)
	if err := mcpserver.ServeStdio(srv); err != nil {
		log.Fatalf("stdio server error: %v", err)
	}
}
