package storage

import (
	"context"
	"errors"
	"strings"

	"clientpulse/internal/clock"
	logx "clientpulse/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(clk), nil
	case "file":
		return openFile(cfg, clk, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, clk, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, clk, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
