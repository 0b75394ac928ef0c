package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/gorilla/mux"

	"github.com/garnizeh/servicemarket/internal/market"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.Any("err", err))
	}
}

func statusOf(kind market.Kind) int {
	switch kind {
	case market.KindValidation:
		return http.StatusBadRequest
	case market.KindNotFound:
		return http.StatusNotFound
	case market.KindForbidden:
		return http.StatusForbidden
	case market.KindInvalidState, market.KindInvalidTransition:
		return http.StatusConflict
	case market.KindUnauthorized:
		return http.StatusUnauthorized
	}

	return http.StatusInternalServerError
}

// writeError maps err to its kind and status. Server errors are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, err error) {
	kind := market.KindOf(err)
	if kind == market.KindServer {
		logger.Error("request failed", slog.Any("err", err))
	}

	writeErrorStatus(w, statusOf(kind), string(kind), market.MessageOf(err))
}

func writeErrorStatus(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// decodeJSON reads a single JSON object from the body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return market.ValidationError("request body is required")
		}
		return market.ValidationError("invalid request body: %v", err)
	}

	return nil
}

// pathID parses a positive integer route variable.
func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, market.ValidationError("invalid %s %q", name, raw)
	}

	return id, nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, market.ValidationError("invalid %s %q", name, raw)
	}

	return n, nil
}

// requireCaller resolves the caller or answers 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (market.Caller, bool) {
	c, ok := callerFrom(r)
	if !ok {
		writeError(w, market.UnauthorizedError("authentication required"))
	}

	return c, ok
}
