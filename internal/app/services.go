package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/inventory/pgstore"
	"github.com/odyssey-erp/lotledger/internal/observability"
	"github.com/odyssey-erp/lotledger/internal/platform/db"
	"github.com/odyssey-erp/lotledger/internal/production"
	"github.com/odyssey-erp/lotledger/internal/sales"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// Services bundles the domain services built for the configured backend.
type Services struct {
	Inventory  *inventory.Service
	Sales      *sales.Service
	Production *production.Service
	// Pool is nil for the memory backend.
	Pool *pgxpool.Pool
}

// Close releases the database pool, if any.
func (s *Services) Close() {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
}

// Handlers builds the HTTP handlers for the services.
func (s *Services) Handlers(logger *slog.Logger) (*inventory.Handler, *sales.Handler, *production.Handler) {
	return inventory.NewHandler(logger, s.Inventory),
		sales.NewHandler(logger, s.Sales),
		production.NewHandler(logger, s.Production)
}

// BuildServices wires stores, repositories and services for cfg.StoreBackend.
// redisClient may be nil, which disables sale idempotency.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics, redisClient *redis.Client) (*Services, error) {
	var idem sales.IdempotencyPort
	if redisClient != nil {
		idem = shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)
	}
	rec := metrics.Inventory()

	switch cfg.StoreBackend {
	case BackendMemory:
		store := inventory.NewMemoryStore()
		audit := shared.NewSlogAuditor(logger)
		invService := inventory.NewService(store, audit, cfg.InventoryConfig(), logger, rec)
		logger.Warn("using in-memory store, data is lost on restart")
		return &Services{
			Inventory:  invService,
			Sales:      sales.NewService(sales.NewMemoryRepository(store), invService, idem, audit, logger),
			Production: production.NewService(production.NewMemoryRepository(store), invService, logger),
		}, nil
	default:
		iso, err := db.ParseIsolation(cfg.InventoryTxIsolation)
		if err != nil {
			return nil, err
		}
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		opts := pgx.TxOptions{IsoLevel: iso}
		audit := shared.NewAuditLogger(pool)
		invService := inventory.NewService(pgstore.NewStore(pool, opts), audit, cfg.InventoryConfig(), logger, rec)
		return &Services{
			Inventory:  invService,
			Sales:      sales.NewService(sales.NewRepository(pool, opts), invService, idem, audit, logger),
			Production: production.NewService(production.NewRepository(pool, opts), invService, logger),
			Pool:       pool,
		}, nil
	}
}
