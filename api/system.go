package api

import (
	"context"
	"fmt"
	"net/http"

	"log/slog"
)

type SystemHandler struct {
	// Ping checks the store; nil skips the check.
	Ping func(ctx context.Context) error
}

func (h *SystemHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			logger.Error("health check failed", slog.Any("err", err))
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, `{"status":"unavailable","service":"servicemarket"}`)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok","service":"servicemarket"}`)
}

func (h *SystemHandler) VersionHandler(version, buildTime string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"version":"%s","buildTime":"%s"}`, version, buildTime)
	}
}
