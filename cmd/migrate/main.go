package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/odyssey-erp/lotledger/internal/app"
	"github.com/odyssey-erp/lotledger/internal/platform/db"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping migrations")
		return
	}

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	steps := fs.Int("steps", 0, "number of down steps, 0 rolls back everything")
	dsn := fs.String("dsn", os.Getenv("PG_DSN"), "postgres connection string")
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|version [--steps N] [--dsn DSN]")
		os.Exit(2)
	}
	action := os.Args[1]
	_ = fs.Parse(os.Args[2:])

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if *dsn == "" {
		logger.Error("migrate: PG_DSN or --dsn required")
		os.Exit(1)
	}

	m, err := db.NewMigrator(*dsn)
	if err != nil {
		logger.Error("open migrator", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close migrator", slog.Any("error", err))
		}
	}()

	switch action {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down(*steps)
	case "version":
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		logger.Error("migrate "+action, slog.Any("error", err))
		os.Exit(1)
	}
	version, dirty, err := m.Version()
	if err != nil {
		logger.Error("migrate version", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
}
