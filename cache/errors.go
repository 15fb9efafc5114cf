package cache

import "github.com/cockroachdb/errors"

// Error kinds produced by cache backends and the service. Backends mark
// failures with one of these sentinels so callers can classify them with
// errors.Is without depending on backend internals.
var (
	// ErrConnection marks failures reaching a networked backend.
	ErrConnection = errors.New("cache: backend unreachable")
	// ErrSerialization marks values that could not be encoded or decoded.
	ErrSerialization = errors.New("cache: serialization failed")
	// ErrBackend marks a generic backend operation failure.
	ErrBackend = errors.New("cache: backend operation failed")
	// ErrConfiguration marks invalid configuration. It surfaces at
	// construction time only.
	ErrConfiguration = errors.New("cache: invalid configuration")
	// ErrHealthCheck marks a failed health-check round trip.
	ErrHealthCheck = errors.New("cache: health check failed")
	// ErrServiceClosed is returned by operations on a service that has
	// been shut down.
	ErrServiceClosed = errors.New("cache: service is shut down")
)

// IsConnectionError reports whether err is a backend connectivity failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsSerializationError reports whether err is a codec failure.
func IsSerializationError(err error) bool {
	return errors.Is(err, ErrSerialization)
}

func errConfigf(format string, args ...any) error {
	return errors.Mark(errors.Newf("cache: "+format, args...), ErrConfiguration)
}

func markConnection(err error, op string) error {
	return errors.Mark(errors.Wrapf(err, "cache: %s", op), ErrConnection)
}

func markSerialization(err error, op string) error {
	return errors.Mark(errors.Wrapf(err, "cache: %s", op), ErrSerialization)
}
