package fix

import "errors"

// Decode and encode failures are returned as values and wrapped with detail;
// match them with errors.Is. A decode failure never panics and never tears
// down more than the message that carried it, except where the session layer
// decides the stream itself is unusable.
var (
	ErrChecksumMismatch   = errors.New("fix: checksum mismatch")
	ErrBodyLengthMismatch = errors.New("fix: body length mismatch")
	ErrMalformedField     = errors.New("fix: malformed field")
	ErrEmbeddedSOH        = errors.New("fix: field value contains SOH")
	ErrMissingBeginString = errors.New("fix: missing BeginString(8)")
	ErrMissingMsgType     = errors.New("fix: missing MsgType(35)")
	ErrFieldNotFound      = errors.New("fix: field not found")
	ErrFrameTooLarge      = errors.New("fix: frame exceeds size limit")
)
