package api

import (
	"net/http"

	"github.com/garnizeh/servicemarket/internal/realtime"
)

// WSHandler attaches an authenticated websocket to the caller's channel.
func WSHandler(hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := requireCaller(w, r)
		if !ok {
			return
		}

		hub.ServeWS(w, r, caller.ID)
	}
}
