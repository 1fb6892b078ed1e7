package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

// ExitDivergent is returned when reconciliation finds at least one divergence.
const ExitDivergent = 10

// Reconciler reports aggregate divergences.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID int64) ([]inventory.Divergence, error)
}

// ReconcileCLI runs reconciliation synchronously against the store.
type ReconcileCLI struct {
	reconciler Reconciler
}

// NewReconcileCLI constructs the command helper.
func NewReconcileCLI(reconciler Reconciler) (*ReconcileCLI, error) {
	if reconciler == nil {
		return nil, errors.New("reconcile cli: reconciler required")
	}
	return &ReconcileCLI{reconciler: reconciler}, nil
}

// ReconcileOptions defines available flags for the reconcile command.
type ReconcileOptions struct {
	TenantID   int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileSummary describes the JSON response for reconcile.
type ReconcileSummary struct {
	OK          bool               `json:"ok"`
	TenantID    int64              `json:"tenant_id"`
	Divergences []ReconcileFinding `json:"divergences"`
}

// ReconcileFinding is one divergent scope.
type ReconcileFinding struct {
	TenantID         int64  `json:"tenant_id"`
	WarehouseID      int64  `json:"warehouse_id"`
	ProductID        int64  `json:"product_id"`
	AggregateQty     string `json:"aggregate_qty"`
	LotQty           string `json:"lot_qty"`
	Delta            string `json:"delta"`
	AggregateMissing bool   `json:"aggregate_missing"`
}

// ReconcileCommand executes reconciliation and prints the outcome. The exit
// code is ExitDivergent when any scope diverges.
func (c *ReconcileCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.TenantID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: --tenant must not be negative")
		return 1
	}
	divergences, err := c.reconciler.Reconcile(ctx, opts.TenantID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}
	summary := buildReconcileSummary(opts.TenantID, divergences)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReconcileHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitDivergent
	}
	return 0
}

func buildReconcileSummary(tenantID int64, divergences []inventory.Divergence) ReconcileSummary {
	findings := make([]ReconcileFinding, 0, len(divergences))
	for _, d := range divergences {
		findings = append(findings, ReconcileFinding{
			TenantID:         d.Scope.TenantID,
			WarehouseID:      d.Scope.WarehouseID,
			ProductID:        d.Scope.ProductID,
			AggregateQty:     d.AggregateQty.String(),
			LotQty:           d.LotQty.String(),
			Delta:            d.Delta().String(),
			AggregateMissing: d.AggregateMissing,
		})
	}
	return ReconcileSummary{OK: len(findings) == 0, TenantID: tenantID, Divergences: findings}
}

func renderReconcileHuman(out io.Writer, summary ReconcileSummary) {
	p := message.NewPrinter(language.English)
	target := "all tenants"
	if summary.TenantID > 0 {
		target = p.Sprintf("tenant %d", summary.TenantID)
	}
	if summary.OK {
		_, _ = p.Fprintf(out, "Inventory reconcile for %s: aggregates match lot totals.\n", target)
		return
	}
	_, _ = p.Fprintf(out, "Inventory reconcile for %s: %d divergent scope(s)\n", target, len(summary.Divergences))
	for _, f := range summary.Divergences {
		state := "aggregate " + f.AggregateQty
		if f.AggregateMissing {
			state = "aggregate missing"
		}
		_, _ = p.Fprintf(out, " - tenant %d warehouse %d product %d: %s, lots %s (delta %s)\n",
			f.TenantID, f.WarehouseID, f.ProductID, state, f.LotQty, f.Delta)
	}
}
