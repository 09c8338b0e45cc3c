package sigv4

import (
	"errors"
	"fmt"
	"io"
)

// ErrNotConfigured is returned by every operation of a client whose target
// lacks an identifier, credentials or a bucket.
var ErrNotConfigured = errors.New("storage target is not configured")

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 1024

// StorageError is a non-success response from the object store.
type StorageError struct {
	Op         string
	Key        string
	StatusCode int
	Body       string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Op, e.Key, e.StatusCode, e.Body)
}

// TransportError is a failure to reach the object store at all.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FileReadError is a failure to read a local file before upload.
type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error { return e.Err }

// readErrorBody reads at most maxErrorBody bytes of r and marks truncation.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody+1))
	if err != nil && len(data) == 0 {
		return fmt.Sprintf("<unreadable body: %v>", err)
	}
	if len(data) > maxErrorBody {
		return string(data[:maxErrorBody]) + "...(truncated)"
	}
	return string(data)
}
