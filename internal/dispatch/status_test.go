package dispatch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mealmind/gateway/internal/util"
)

// Terminal failures leave the dispatcher wrapped in a BackendError;
// the status mapping must see through the wrapper to the kind inside.
func TestHTTPStatus_WrappedBackendError(t *testing.T) {
	rejection := status.Error(codes.NotFound, "no such user")

	tests := []struct {
		name string
		kind error
		raw  error
		want int
	}{
		{"unavailable", util.ErrBackendUnavailable, nil, http.StatusServiceUnavailable},
		{"timeout", util.ErrBackendTimeout, nil, http.StatusGatewayTimeout},
		{"circuit open", util.ErrCircuitOpen, nil, http.StatusServiceUnavailable},
		{"cancelled", context.Canceled, nil, StatusClientClosedRequest},
		{"rejected", util.ErrBackendRejected, rejection, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := util.NewBackendError("auth", "login", tt.kind, 3, tt.raw)
			assert.Equal(t, tt.want, httpStatus(err, tt.raw))
		})
	}
}

func TestErrorKind_WrappedBackendError(t *testing.T) {
	err := util.NewBackendError("auth", "login", util.ErrCircuitOpen, 1, nil)
	assert.Equal(t, "circuit_open", errorKind(err))

	err = util.NewBackendError("db", "get-user", util.ErrBackendTimeout, 3, context.DeadlineExceeded)
	assert.Equal(t, "timeout", errorKind(err))
}
