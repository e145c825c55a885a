package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed gateway call. Transport kinds are retryable
// by the polling loop; logical kinds are terminal because retrying an
// accepted-but-malformed charge risks charging the customer twice.
type ErrorKind int

const (
	// KindNetwork covers DNS failures, refused connections and closed pipes.
	KindNetwork ErrorKind = iota
	// KindTimeout covers deadline and socket timeouts.
	KindTimeout
	// KindCanceled is a call abandoned because the caller's context was
	// cancelled, driven by the user, not the gateway.
	KindCanceled
	// KindHTTP is a non-2xx response from the gateway.
	KindHTTP
	// KindMalformed is a 2xx response whose body could not be decoded.
	KindMalformed
	// KindNoToken is a session-open reply that carried no token.
	KindNoToken
	// KindLogical is a 2xx reply that is a business failure (missing body,
	// missing transactionId, gateway message field).
	KindLogical
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network_unreachable"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindHTTP:
		return "http_error"
	case KindMalformed:
		return "malformed_response"
	case KindNoToken:
		return "no_token"
	case KindLogical:
		return "gateway_logical"
	default:
		return "unknown"
	}
}

// Error is the uniform failure type surfaced by every Client call.
type Error struct {
	Kind       ErrorKind
	Op         string // gateway operation: open_session, create_charge, ...
	StatusCode int    // HTTP status, when Kind is KindHTTP
	Message    string // gateway-provided message, when present
	Err        error  // underlying transport/decoding error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTP:
		return fmt.Sprintf("gateway %s: http %d", e.Op, e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transport reports whether the failure is transport-classified, i.e. safe
// to retry because the request may never have reached the gateway. A
// cancelled call is not: the user asked for the work to stop.
func (e *Error) Transport() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout || e.Kind == KindHTTP
}

// Auth reports whether the failure looks like a credential problem.
func (e *Error) Auth() bool {
	return e.Kind == KindHTTP && (e.StatusCode == 401 || e.StatusCode == 403)
}

// classify wraps a transport-layer error from net/http into a gateway Error.
func classify(op string, err error) *Error {
	kind := KindNetwork
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
