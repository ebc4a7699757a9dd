package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"

	"inferd/internal/status"
	"inferd/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: code})
}

// writeStatusError maps the error taxonomy onto HTTP status codes.
func writeStatusError(w http.ResponseWriter, err error) {
	writeJSONError(w, httpStatusFor(err), err.Error())
}

func httpStatusFor(err error) int {
	switch status.CodeOf(err) {
	case status.CodeInvalidArgument:
		return http.StatusBadRequest
	case status.CodeNotFound:
		return http.StatusNotFound
	case status.CodeAlreadyExists:
		return http.StatusConflict
	case status.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case status.CodeUnimplemented:
		return http.StatusNotImplemented
	case status.CodeCancelled:
		return 499 // client closed request
	case status.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
