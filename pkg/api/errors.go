package api

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kiln-sh/kiln/pkg/errdef"
)

// httpStatus maps an error kind to its HTTP status code.
func httpStatus(kind errdef.Kind) int {
	switch kind {
	case errdef.KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case errdef.KindInvalidTool, errdef.KindInvalidToolOutput:
		return http.StatusBadRequest
	case errdef.KindNotFound:
		return http.StatusNotFound
	case errdef.KindExpired:
		return http.StatusGone
	case errdef.KindQuotaExhausted:
		return http.StatusTooManyRequests
	case errdef.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// grpcStatus converts an error to its gRPC status equivalent.
func grpcStatus(err error) error {
	kind := errdef.KindOf(err)
	var code codes.Code
	switch kind {
	case errdef.KindInvalidArgument, errdef.KindInvalidTool:
		code = codes.InvalidArgument
	case errdef.KindNotFound:
		code = codes.NotFound
	case errdef.KindExpired, errdef.KindInvalidToolOutput:
		code = codes.FailedPrecondition
	case errdef.KindQuotaExhausted:
		code = codes.ResourceExhausted
	case errdef.KindUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errdef.KindOf(err)
	msg := err.Error()
	if kind == errdef.KindInternal {
		// Do not leak internals to callers.
		msg = "internal error"
	}
	writeJSON(w, httpStatus(kind), ErrorResponse{Error: msg, Kind: string(kind)})
}
