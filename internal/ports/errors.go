package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors so
// the engine can classify failures without knowing the transport.
var (
	// General Errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrNotFound        = errors.New("resource not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")
	ErrConfiguration   = errors.New("invalid or missing configuration")

	// Feed / Exchange Errors
	// ErrConnectionFailed is fatal: handshake, authentication or protocol-version
	// failures that reconnecting will not fix.
	ErrConnectionFailed = errors.New("failed to establish feed connection")
	// ErrTransport covers socket resets, timeouts and server-initiated closes.
	// Transient: recovered inside the feed client by reconnecting.
	ErrTransport      = errors.New("transient transport failure")
	ErrRateLimited    = errors.New("API rate limit exceeded")
	ErrDataIntegrity  = errors.New("malformed feed payload")
	ErrNoSlotsIndexed = errors.New("no upcoming slots indexed by the exchange")

	// Store Errors
	// ErrDuplicateSlot signals an attempt to open a second position on a slot
	// that already has an open trade.
	ErrDuplicateSlot = errors.New("open trade already exists for slot")
	// ErrAlreadyClosed signals an attempt to close a trade twice.
	ErrAlreadyClosed = errors.New("trade is already closed")
	ErrQueryFailed   = errors.New("store query failed")
	ErrUpdateFailed  = errors.New("store update failed")
)
