package mtconnect

import "errors"

// Error kinds returned by Client and Parse. Callers match them with errors.Is;
// the wrapped error carries the URL and underlying cause.
var (
	// ErrConnectionFailure covers transport errors and non-2xx responses.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrMalformedDocument means the fetch succeeded but the body is not a
	// usable MTConnect document.
	ErrMalformedDocument = errors.New("malformed document")
)
