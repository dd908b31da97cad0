package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gw "github.com/omne42/ditto/internal/gateway"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gw.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gw.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gw.ErrRateLimited), errors.Is(err, gw.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gw.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice; direct map assignment
// avoids the []string{v} alloc Header.Set makes on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

const maxAdminBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}
