package dispatch

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mealmind/gateway/internal/util"
)

// StatusClientClosedRequest is the nginx convention for an inbound
// request cancelled by the client before a response was written.
const StatusClientClosedRequest = 499

// httpStatus maps a terminal dispatch failure onto the client-facing
// HTTP status. kind is the classified taxonomy error; raw is the
// underlying backend error, consulted for rejection status codes.
func httpStatus(kind, raw error) int {
	switch {
	case errors.Is(kind, util.ErrRouteNotFound):
		return http.StatusNotFound
	case isClientRequestError(kind):
		return http.StatusBadRequest
	case errors.Is(kind, util.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(kind, util.ErrBackendTimeout), errors.Is(kind, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(kind, util.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(kind, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(kind, util.ErrBackendRejected):
		return rejectionStatus(raw)
	default:
		return http.StatusInternalServerError
	}
}

// rejectionStatus maps the gRPC status of a backend that executed the
// call onto its HTTP equivalent.
func rejectionStatus(raw error) int {
	st, ok := status.FromError(raw)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// errorKind labels a classified failure for metrics and logs.
func errorKind(kind error) string {
	switch {
	case errors.Is(kind, util.ErrRouteNotFound):
		return "route_not_found"
	case isClientRequestError(kind):
		return "bad_request"
	case errors.Is(kind, util.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(kind, util.ErrBackendTimeout), errors.Is(kind, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(kind, util.ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(kind, context.Canceled):
		return "canceled"
	case errors.Is(kind, util.ErrBackendRejected):
		return "rejected"
	default:
		return "internal"
	}
}

func isClientRequestError(err error) bool {
	var cre *util.ClientRequestError
	return errors.As(err, &cre)
}
