package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/ledger/store"
	"github.com/warp/rent-billing/notify"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	march = ledger.MustParseMonth("2025-03")
	april = ledger.MustParseMonth("2025-04")
	may   = ledger.MustParseMonth("2025-05")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newLedger(t *testing.T) *store.TxMemory {
	t.Helper()
	return store.NewTxMemory()
}

func addLease(t *testing.T, s *store.TxMemory, tenantID, unitID, rent, arrears string) ledger.TenantAllocation {
	t.Helper()
	alloc := ledger.TenantAllocation{
		ID:             "alloc-" + tenantID + "-" + unitID,
		TenantID:       tenantID,
		UnitID:         unitID,
		TenantName:     "Tenant " + tenantID,
		Phone:          "0712000001",
		UnitName:       "Unit " + unitID,
		MonthlyRent:    dec(rent),
		ArrearsBalance: dec(arrears),
		LeaseStart:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:         true,
	}
	require.NoError(t, s.SaveAllocation(context.Background(), alloc))
	return alloc
}

func addWater(t *testing.T, s *store.TxMemory, tenantID, unitID string, month ledger.Month, amount string) {
	t.Helper()
	require.NoError(t, s.UpsertWaterBill(context.Background(), ledger.WaterBill{
		ID:       "water-" + tenantID + "-" + month.String(),
		TenantID: tenantID,
		UnitID:   unitID,
		Amount:   dec(amount),
		Month:    month,
	}))
}

func addAdvance(t *testing.T, s *store.TxMemory, tenantID, unitID string, month ledger.Month, amount string) {
	t.Helper()
	require.NoError(t, s.InsertPayments(context.Background(), []ledger.Payment{{
		ID:        "adv-" + tenantID + "-" + month.String(),
		TenantID:  tenantID,
		UnitID:    unitID,
		Amount:    dec(amount),
		Month:     month,
		Status:    ledger.PaymentCompleted,
		ToAdvance: dec(amount),
		IsAdvance: true,
	}}))
}

func newDispatcher(t *testing.T) (*notify.Dispatcher, *notify.MemoryQueue) {
	t.Helper()
	queue := notify.NewMemoryQueue()
	cfg := notify.DefaultConfig()
	cfg.SendInterval = 0
	return notify.NewDispatcher(queue, notify.SenderFunc(func(context.Context, string, string) (string, error) {
		return "ok", nil
	}), nullLogger(), cfg), queue
}

func queuedItems(t *testing.T, q *notify.MemoryQueue) []notify.Item {
	t.Helper()
	items, err := q.ListItems(context.Background(), notify.ItemFilter{})
	require.NoError(t, err)
	return items
}

// recordingOperator captures operator alerts.
type recordingOperator struct {
	mu        sync.Mutex
	completed []notify.RunSummary
	failed    []notify.RunFailure
}

func (o *recordingOperator) RunCompleted(_ context.Context, s notify.RunSummary) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, s)
	return nil
}

func (o *recordingOperator) RunFailed(_ context.Context, f notify.RunFailure) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, f)
	return nil
}
