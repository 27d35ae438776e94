package tunnel

import "errors"

var (
	// ErrAuthFailed is returned when the peer rejects our credentials.
	ErrAuthFailed = errors.New("tunnel authentication failed")
	// ErrInvalidParameters marks malformed or unusable tunnel parameters.
	ErrInvalidParameters = errors.New("invalid tunnel parameters")
	// ErrAdapter marks a failure of the local virtual network adapter.
	ErrAdapter = errors.New("tunnel adapter problem")
	// ErrUnsupported is returned by providers that cannot run on this platform.
	ErrUnsupported = errors.New("tunnel technology not supported on this platform")
)
