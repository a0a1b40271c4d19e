// Package pasv implements the passive data-channel machinery shared across every control
// connection of a server: a pending/live passive transfer endpoint (PassiveDataConnection),
// a per-port accept listener that demultiplexes incoming sockets back to the right waiter
// (Listener), and the pool that allocates a free port from a configured range across all
// sessions (Pool). This is the one piece of cross-session mutable state in the server; every
// other piece of state lives entirely within one control connection.
package pasv

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultWaitTimeout is how long a reserved passive listener waits for the client to dial in
// before it gives up, per the spec's 9-second wait window.
const DefaultWaitTimeout = 9 * time.Second

// ErrWaitTimeout is surfaced to the session when a client never dials into a reserved
// passive port within the wait window. It is a transfer error, not a control-channel error:
// the session stays open and may retry PASV/EPSV.
var ErrWaitTimeout = errors.New("pasv: timed out waiting for the client to connect")

// ErrClosed is returned by Ready when the connection was destroyed before a client dialed in.
var ErrClosed = errors.New("pasv: passive data connection closed")

// State is the lifecycle of a single PassiveDataConnection: WAITING -> (INITIALIZING_TLS ->)?
// READY -> CLOSED, monotonic.
type State int

const (
	StateWaiting State = iota
	StateInitializingTLS
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateInitializingTLS:
		return "initializing_tls"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnOptions configures a single passive data connection.
type ConnOptions struct {
	UseTLS               bool
	TLSConfig            *tls.Config
	AllowUnauthorizedTLS bool
	WaitTimeout          time.Duration // defaults to DefaultWaitTimeout
}

func (o ConnOptions) waitTimeout() time.Duration {
	if o.WaitTimeout <= 0 {
		return DefaultWaitTimeout
	}

	return o.WaitTimeout
}

// ErrorCode classifies a ListenerError the way the accept/bind path needs to: the Pool only
// special-cases address-in-use, everything else propagates straight to the caller.
type ErrorCode int

const (
	CodeOther ErrorCode = iota
	CodeAddrInUse
)

// ListenerError is the "listenerError" event of the spec: an error raised on a
// PassiveDataConnection before it reaches READY because the owning Listener could not
// (or no longer can) service it. It's distinguishable from a plain connection error by Code.
type ListenerError struct {
	Code ErrorCode
	Err  error
}

func (e *ListenerError) Error() string {
	if e.Err != nil {
		return "pasv: listener error: " + e.Err.Error()
	}

	return "pasv: listener error"
}

func (e *ListenerError) Unwrap() error { return e.Err }

func newID() string {
	return uuid.NewString()
}
