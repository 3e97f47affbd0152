package marketdata

import "errors"

var (
	// ErrNotSubscribed is returned for operations on a symbol with no active
	// subscription.
	ErrNotSubscribed = errors.New("marketdata: symbol not subscribed")

	// ErrAlreadySubscribed is returned when Subscribe is called for a symbol
	// that already has an active subscription.
	ErrAlreadySubscribed = errors.New("marketdata: symbol already subscribed")

	// ErrInvalidRequest is returned when a subscription request fails
	// validation.
	ErrInvalidRequest = errors.New("marketdata: invalid request")
)
