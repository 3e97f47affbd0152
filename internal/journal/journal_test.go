package journal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/pkg/models"
)

func newTestJournal(t *testing.T, cfg Config) *Journal {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	j, err := New(db, cfg, zap.NewNop())
	require.NoError(t, err)
	return j
}

func testOrder(id, status string) models.Order {
	now := time.Now()
	return models.Order{
		ID:        id,
		ClOrdID:   "c-" + id,
		Symbol:    "AAPL",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeLimit,
		Quantity:  decimal.RequireFromString("10"),
		Price:     decimal.RequireFromString("99.5"),
		Venue:     "SIM",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJournalPersistsAndUpserts(t *testing.T) {
	j := newTestJournal(t, Config{})
	j.Start()

	j.RecordOrder(testOrder("o-1", models.OrderStatusPendingNew))
	j.RecordOrder(testOrder("o-1", models.OrderStatusFilled))
	j.RecordExecution(models.Execution{
		ExecID:     "E1",
		OrderID:    "V-1",
		ClOrdID:    "c-o-1",
		Venue:      "SIM",
		Symbol:     "AAPL",
		ExecType:   "2",
		LastQty:    decimal.RequireFromString("10"),
		LastPx:     decimal.RequireFromString("99.5"),
		TransactAt: time.Now(),
		ReceivedAt: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))

	var orders []models.Order
	require.NoError(t, j.db.Find(&orders).Error)
	require.Len(t, orders, 1, "snapshots upsert on order ID")
	assert.Equal(t, models.OrderStatusFilled, orders[0].Status)

	var execs []models.Execution
	require.NoError(t, j.db.Find(&execs).Error)
	require.Len(t, execs, 1)
	assert.Equal(t, "E1", execs[0].ExecID)

	// Stop is idempotent and late records are shed without panicking.
	require.NoError(t, j.Stop(ctx))
	j.RecordOrder(testOrder("o-2", models.OrderStatusPendingNew))
}

func TestJournalShedsOldestWhenFull(t *testing.T) {
	// No writer running: the queue fills and sheds from the front.
	j := newTestJournal(t, Config{QueueSize: 2})

	j.RecordOrder(testOrder("o-1", models.OrderStatusPendingNew))
	j.RecordOrder(testOrder("o-2", models.OrderStatusPendingNew))
	j.RecordOrder(testOrder("o-3", models.OrderStatusPendingNew))

	require.Len(t, j.queue, 2)
	first := <-j.queue
	second := <-j.queue
	assert.Equal(t, "o-2", first.order.ID, "oldest record was shed")
	assert.Equal(t, "o-3", second.order.ID)
}
