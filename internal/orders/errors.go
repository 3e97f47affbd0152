package orders

import "errors"

var (
	// ErrUnknownOrder is returned when no order matches the given ID or
	// ClOrdID chain.
	ErrUnknownOrder = errors.New("orders: unknown order")

	// ErrTerminalStatus is returned for cancels and replaces against orders
	// that are already filled, cancelled or rejected.
	ErrTerminalStatus = errors.New("orders: order is in a terminal status")

	// ErrChangePending is returned when a cancel or replace is requested
	// while an earlier one is still unacknowledged.
	ErrChangePending = errors.New("orders: a cancel or replace is already pending")

	// ErrReplaceBelowFilledQuantity is returned when a replace asks for less
	// quantity than has already executed.
	ErrReplaceBelowFilledQuantity = errors.New("orders: replace quantity below filled quantity")

	// ErrInvalidRequest covers malformed order parameters.
	ErrInvalidRequest = errors.New("orders: invalid request")
)
