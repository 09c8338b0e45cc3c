package convert

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConverter means local mode found no available codec.
	ErrNoConverter = errors.New("no webp converter available: install cwebp or imagemagick, or enable the remote converter")

	// ErrConversionFailed means a codec ran but produced no output.
	ErrConversionFailed = errors.New("webp conversion produced no output")
)

// AuthError is a 401/403 answer of the remote converter.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote converter authentication failed (status %d): invalid API key or permissions", e.Status)
}

// RemoteError is any other non-200 answer of the remote converter.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote converter returned %d: %s", e.Status, e.Body)
}

// TransportError is a failure to reach the remote converter.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote converter %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedTypeError is returned for sources that are neither JPEG nor PNG.
type UnsupportedTypeError struct {
	MIME string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported image type: %s", e.MIME)
}
