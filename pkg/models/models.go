package models

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Constants for order sides, types, statuses, and time in force options.
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Order statuses
	OrderStatusPendingNew      = "PENDING_NEW"
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusPendingCancel   = "PENDING_CANCEL"
	OrderStatusPendingReplace  = "PENDING_REPLACE"
	OrderStatusPendingTimeout  = "PENDING_TIMEOUT"

	// Time in force
	TimeInForceDay = "DAY"
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// IsTerminalStatus reports whether status is a final order state. Orders in a
// terminal state accept no further cancels or replaces.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is the inbound request to place an order. Quantity and Price
// are exact decimals; floats are never used for money.
type OrderRequest struct {
	Symbol      string          `json:"symbol" validate:"required,min=1,max=12"`
	Side        string          `json:"side" validate:"required,oneof=BUY SELL"`
	Type        string          `json:"type" validate:"required,oneof=LIMIT MARKET"`
	Quantity    decimal.Decimal `json:"quantity" validate:"required"`
	Price       decimal.Decimal `json:"price"`
	TimeInForce string          `json:"time_in_force" validate:"omitempty,oneof=DAY GTC IOC FOK"`
	Venue       string          `json:"venue" validate:"omitempty,max=32"` // pins routing to one venue when set
}

// ReplaceRequest carries the mutable fields of a cancel/replace. Quantity and
// Price replace the working values; identity is preserved by the engine.
type ReplaceRequest struct {
	Quantity decimal.Decimal `json:"quantity" validate:"required"`
	Price    decimal.Decimal `json:"price"`
}

// Order represents a working or finished order in the engine.
//
// ID is the stable engine-assigned identity and never changes across
// cancel/replace. ClOrdID is the identifier on the wire for the most recent
// request in the order's chain; after a replace is accepted it differs from ID.
type Order struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	ClOrdID     string          `json:"cl_ord_id" gorm:"index;size:36"`
	OrderID     string          `json:"order_id,omitempty"` // venue-assigned
	Symbol      string          `json:"symbol" gorm:"index"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:numeric"`
	Price       decimal.Decimal `json:"price" gorm:"type:numeric"`
	TimeInForce string          `json:"time_in_force"`
	Venue       string          `json:"venue" gorm:"index"`
	Status      string          `json:"status" gorm:"index"`
	FilledQty   decimal.Decimal `json:"filled_qty" gorm:"type:numeric"`
	LeavesQty   decimal.Decimal `json:"leaves_qty" gorm:"type:numeric"`
	AvgPrice    decimal.Decimal `json:"avg_price" gorm:"type:numeric"`
	Reason      string          `json:"reason,omitempty"` // reject or timeout detail
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Execution is a normalized execution report received from a venue.
type Execution struct {
	ExecID      string          `json:"exec_id" gorm:"primaryKey;size:64"`
	OrderID     string          `json:"order_id"`
	ClOrdID     string          `json:"cl_ord_id" gorm:"index;size:36"`
	OrigClOrdID string          `json:"orig_cl_ord_id,omitempty"`
	Venue       string          `json:"venue" gorm:"index"`
	Symbol      string          `json:"symbol"`
	ExecType    string          `json:"exec_type"` // FIX ExecType code, e.g. "F" family collapsed to fill codes
	OrdStatus   string          `json:"ord_status"`
	LastQty     decimal.Decimal `json:"last_qty" gorm:"type:numeric"`
	LastPx      decimal.Decimal `json:"last_px" gorm:"type:numeric"`
	CumQty      decimal.Decimal `json:"cum_qty" gorm:"type:numeric"`
	LeavesQty   decimal.Decimal `json:"leaves_qty" gorm:"type:numeric"`
	Reason      string          `json:"reason,omitempty"`
	TransactAt  time.Time       `json:"transact_at"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// PriceLevel is one side level of an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a depth view of one symbol's book for API responses and
// feed distribution. Bids are ordered best (highest) first, asks best
// (lowest) first.
type BookSnapshot struct {
	Symbol    string          `json:"symbol"`
	Bids      []PriceLevel    `json:"bids"`
	Asks      []PriceLevel    `json:"asks"`
	LastPrice decimal.Decimal `json:"last_price"`
	Seq       uint64          `json:"seq"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ExecutionPool provides pooling for the execution-report hot path.
var ExecutionPool = sync.Pool{New: func() any { return new(Execution) }}
