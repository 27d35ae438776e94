package tunnelstate

import (
	"errors"
	"fmt"

	"github.com/fosrl/warden/tunnel"
)

var (
	// ErrOffline is returned when a connect is refused because the host is offline.
	ErrOffline = errors.New("host is offline")
	// ErrStopped is returned for commands submitted after the machine stopped.
	ErrStopped = errors.New("tunnel state machine stopped")
)

// ErrorKind groups failures by how the machine treats them.
type ErrorKind int

const (
	// ConfigurationError is a malformed request. It is never retried.
	ConfigurationError ErrorKind = iota
	// BackendError is a firewall, DNS or platform failure. It is not retried automatically.
	BackendError
	// TunnelError is a tunnel that went down. It is retried within the retry policy.
	TunnelError
	// OfflineCondition clears by itself when connectivity returns.
	OfflineCondition
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration error"
	case BackendError:
		return "backend error"
	case TunnelError:
		return "tunnel error"
	case OfflineCondition:
		return "offline"
	default:
		return "unknown error"
	}
}

// CommandError is returned to command callers and carries the reason the machine blocked.
type CommandError struct {
	Kind   ErrorKind
	Reason BlockReason
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsOfflineError reports whether err rejected a connect because the host is offline.
func IsOfflineError(err error) bool {
	var e *CommandError
	return errors.As(err, &e) && e.Kind == OfflineCondition
}

func newError(reason BlockReason, err error) *CommandError {
	return &CommandError{Kind: kindOf(reason), Reason: reason, Err: err}
}

func kindOf(reason BlockReason) ErrorKind {
	switch reason {
	case TunnelParameterError:
		return ConfigurationError
	case SetFirewallPolicyError, SetDNSError:
		return BackendError
	case IsOffline:
		return OfflineCondition
	default:
		return TunnelError
	}
}

// classify maps the cause of a tunnel Down to a block reason.
func classify(err error) BlockReason {
	switch {
	case errors.Is(err, tunnel.ErrAuthFailed):
		return AuthFailed
	case errors.Is(err, tunnel.ErrInvalidParameters), errors.Is(err, tunnel.ErrUnsupported):
		return TunnelParameterError
	case errors.Is(err, tunnel.ErrAdapter):
		return TapAdapterProblem
	default:
		return StartTunnelError
	}
}
