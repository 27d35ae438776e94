package tunnelstate

import (
	"fmt"

	"github.com/fosrl/warden/tunnel"
)

// StateKind identifies the variant of a TunnelState.
type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Disconnecting
	Error
)

var stateNames = map[StateKind]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
	Error:         "error",
}

func (k StateKind) String() string {
	if s, ok := stateNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StateKind) UnmarshalText(b []byte) error {
	for kind, name := range stateNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel state %q", b)
}

// AfterDisconnect is what a Disconnecting machine does once the tunnel is gone.
type AfterDisconnect int

const (
	AfterNothing AfterDisconnect = iota
	AfterReconnect
	AfterBlock
)

var afterNames = map[AfterDisconnect]string{
	AfterNothing:   "nothing",
	AfterReconnect: "reconnect",
	AfterBlock:     "block",
}

func (a AfterDisconnect) String() string {
	if s, ok := afterNames[a]; ok {
		return s
	}
	return "unknown"
}

func (a AfterDisconnect) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AfterDisconnect) UnmarshalText(b []byte) error {
	for after, name := range afterNames {
		if name == string(b) {
			*a = after
			return nil
		}
	}
	return fmt.Errorf("unknown after-disconnect action %q", b)
}

// BlockReason explains why the machine is blocking traffic without a tunnel.
type BlockReason int

const (
	noReason BlockReason = iota
	AuthFailed
	TunnelParameterError
	SetFirewallPolicyError
	SetDNSError
	StartTunnelError
	IsOffline
	TapAdapterProblem
)

var reasonNames = map[BlockReason]string{
	AuthFailed:             "auth_failed",
	TunnelParameterError:   "tunnel_parameter_error",
	SetFirewallPolicyError: "set_firewall_policy_error",
	SetDNSError:            "set_dns_error",
	StartTunnelError:       "start_tunnel_error",
	IsOffline:              "is_offline",
	TapAdapterProblem:      "tap_adapter_problem",
}

func (r BlockReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "none"
}

func (r BlockReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *BlockReason) UnmarshalText(b []byte) error {
	reason, err := ParseBlockReason(string(b))
	if err != nil {
		return err
	}
	*r = reason
	return nil
}

// ParseBlockReason maps the wire name of a reason back to its value.
func ParseBlockReason(s string) (BlockReason, error) {
	for reason, name := range reasonNames {
		if name == s {
			return reason, nil
		}
	}
	return noReason, fmt.Errorf("unknown block reason %q", s)
}

// TunnelState is the machine's single source of truth. Only the fields that belong
// to Kind are set.
type TunnelState struct {
	Kind StateKind `json:"state"`
	// RetryAttempt counts failed attempts while Connecting.
	RetryAttempt int              `json:"retryAttempt,omitempty"`
	Endpoint     *tunnel.Endpoint `json:"endpoint,omitempty"`
	Metadata     *tunnel.Metadata `json:"metadata,omitempty"`
	After        AfterDisconnect  `json:"after,omitempty"`
	// Reason is set in Error, and in Disconnecting when After is AfterBlock.
	Reason BlockReason `json:"blockReason,omitempty"`
	// BlockFailure is set when even the blocking policy could not be applied.
	BlockFailure string `json:"blockFailure,omitempty"`
}

func DisconnectedState() TunnelState {
	return TunnelState{Kind: Disconnected}
}

func ConnectingState(attempt int, endpoint tunnel.Endpoint) TunnelState {
	return TunnelState{Kind: Connecting, RetryAttempt: attempt, Endpoint: &endpoint}
}

func ConnectedState(meta tunnel.Metadata) TunnelState {
	return TunnelState{Kind: Connected, Endpoint: &meta.Endpoint, Metadata: &meta}
}

func DisconnectingState(after AfterDisconnect, reason BlockReason) TunnelState {
	if after != AfterBlock {
		reason = noReason
	}
	return TunnelState{Kind: Disconnecting, After: after, Reason: reason}
}

func ErrorState(reason BlockReason, blockFailure error) TunnelState {
	s := TunnelState{Kind: Error, Reason: reason}
	if blockFailure != nil {
		s.BlockFailure = blockFailure.Error()
	}
	return s
}

// IsBlocking reports whether the state blocks traffic outside a tunnel.
func (s TunnelState) IsBlocking() bool {
	return s.Kind == Error || s.Kind == Disconnecting
}

func (s TunnelState) String() string {
	switch s.Kind {
	case Connecting:
		if s.RetryAttempt > 0 {
			return fmt.Sprintf("Connecting (attempt %d)", s.RetryAttempt+1)
		}
		return "Connecting"
	case Connected:
		if s.Metadata != nil {
			return fmt.Sprintf("Connected (%s via %s)", s.Metadata.Endpoint, s.Metadata.InterfaceName)
		}
		return "Connected"
	case Disconnecting:
		if s.After == AfterBlock {
			return fmt.Sprintf("Disconnecting (then block: %s)", s.Reason)
		}
		return fmt.Sprintf("Disconnecting (then %s)", s.After)
	case Error:
		if s.BlockFailure != "" {
			return fmt.Sprintf("Error (%s, blocking failed: %s)", s.Reason, s.BlockFailure)
		}
		return fmt.Sprintf("Error (%s)", s.Reason)
	default:
		return "Disconnected"
	}
}
