package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/jobs"
)

type stubReconciler struct {
	divergences []inventory.Divergence
	err         error
	gotTenant   int64
}

func (s *stubReconciler) Reconcile(_ context.Context, tenantID int64) ([]inventory.Divergence, error) {
	s.gotTenant = tenantID
	return s.divergences, s.err
}

func TestReconcileCommandJSONClean(t *testing.T) {
	stub := &stubReconciler{}
	cli, err := NewReconcileCLI(stub)
	require.NoError(t, err)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.ReconcileCommand(context.Background(), ReconcileOptions{TenantID: 3, JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code)
	require.Empty(t, stderr.String())
	require.Equal(t, int64(3), stub.gotTenant)

	var summary ReconcileSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Empty(t, summary.Divergences)
}

func TestReconcileCommandJSONDivergent(t *testing.T) {
	stub := &stubReconciler{divergences: []inventory.Divergence{{
		Scope:        inventory.Scope{TenantID: 1, WarehouseID: 2, ProductID: 3},
		AggregateQty: decimal.NewFromInt(7),
		LotQty:       decimal.NewFromInt(10),
	}}}
	cli, err := NewReconcileCLI(stub)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.ReconcileCommand(context.Background(), ReconcileOptions{JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitDivergent, code)

	var summary ReconcileSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.Len(t, summary.Divergences, 1)
	require.Equal(t, "-3", summary.Divergences[0].Delta)
	require.Equal(t, int64(3), summary.Divergences[0].ProductID)
}

func TestReconcileCommandHumanAndErrors(t *testing.T) {
	stub := &stubReconciler{divergences: []inventory.Divergence{{
		Scope:            inventory.Scope{TenantID: 1, WarehouseID: 2, ProductID: 3},
		AggregateQty:     decimal.Zero,
		LotQty:           decimal.NewFromInt(4),
		AggregateMissing: true,
	}}}
	cli, err := NewReconcileCLI(stub)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.ReconcileCommand(context.Background(), ReconcileOptions{TenantID: 1, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitDivergent, code)
	require.Contains(t, stdout.String(), "1 divergent scope(s)")
	require.Contains(t, stdout.String(), "aggregate missing")

	stderr := new(bytes.Buffer)
	code = cli.ReconcileCommand(context.Background(), ReconcileOptions{TenantID: -1, Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "--tenant")

	stub.err = errors.New("db down")
	stderr.Reset()
	code = cli.ReconcileCommand(context.Background(), ReconcileOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "db down")

	_, err = NewReconcileCLI(nil)
	require.Error(t, err)
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskInventoryReconcile, TriggerOptions{TenantID: 5, Repair: true})
	require.NoError(t, err)
	var payload jobs.InventoryReconcilePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, jobs.InventoryReconcilePayload{TenantID: 5, Repair: true}, payload)

	_, err = BuildTask("inventory:revaluation", TriggerOptions{})
	require.Error(t, err)
	_, err = BuildTask(jobs.TaskInventoryReconcile, TriggerOptions{TenantID: -2})
	require.Error(t, err)

	var nilCLI *JobsCLI
	_, err = nilCLI.Trigger(context.Background(), jobs.TaskInventoryReconcile, TriggerOptions{})
	require.Error(t, err)
}
