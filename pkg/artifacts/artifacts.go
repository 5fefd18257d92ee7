package artifacts

import (
	"context"
	"errors"
	"fmt"
)

// Store provides read access to the CI artifact bucket. It is deliberately
// thin: no retries live here, callers decide which operations are worth
// retrying and with what policy.
type Store interface {
	// List returns object keys and common prefixes under the given prefix.
	// A non-empty delimiter groups keys into common prefixes the same way
	// directory listings would.
	List(ctx context.Context, prefix, delimiter string) (*Listing, error)

	// Fetch reads a single object. Returns ErrNotFound when the key does
	// not exist; any other failure wraps *TransientError.
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Listing is the result of a single List call, fully paginated.
type Listing struct {
	Keys           []string
	CommonPrefixes []string
}

// ErrNotFound indicates the requested object does not exist in the bucket.
var ErrNotFound = errors.New("artifact not found")

// TransientError wraps storage failures that are worth retrying: network
// errors, timeouts, throttling and 5xx-class responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient artifact store failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}
