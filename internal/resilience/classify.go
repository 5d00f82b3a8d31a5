package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mealmind/gateway/internal/util"
)

// Classify maps a backend call failure onto the gateway's error
// taxonomy. The returned sentinel determines both retryability and the
// client-facing status the dispatcher emits.
//
// Transport-level failures and explicit unavailability signals are
// ErrBackendUnavailable; deadline expiry is ErrBackendTimeout; both
// are retryable. Any other status returned by a backend that actually
// executed is ErrBackendRejected and is never retried.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return util.ErrBackendTimeout
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, util.ErrBackendUnavailable) {
		return util.ErrBackendUnavailable
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return util.ErrBackendUnavailable
		case codes.DeadlineExceeded:
			return util.ErrBackendTimeout
		case codes.Canceled:
			return context.Canceled
		case codes.Unknown:
			// status.FromError treats any non-status error as Unknown;
			// fall through to transport-level checks below.
		default:
			return util.ErrBackendRejected
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return util.ErrBackendTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return util.ErrBackendUnavailable
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return util.ErrBackendUnavailable
	}

	return util.ErrBackendRejected
}

// Retryable reports whether a classified failure kind may be retried.
// Only transport failures and timeouts qualify; application-level
// rejections and cancellations never do.
func Retryable(kind error) bool {
	return errors.Is(kind, util.ErrBackendUnavailable) ||
		errors.Is(kind, util.ErrBackendTimeout)
}

// CountsAsBreakerFailure reports whether a classified failure kind
// feeds the circuit breaker's failure counter. Rejections mean the
// backend executed the call, so they are successes from the circuit's
// point of view; cancellations reflect the client, not the backend.
func CountsAsBreakerFailure(kind error) bool {
	return Retryable(kind)
}
