package api

import (
	"net/http"

	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/models"
)

type NotificationsHandler struct {
	dispatcher *notify.Dispatcher
}

func NewNotificationsHandler(d *notify.Dispatcher) *NotificationsHandler {
	return &NotificationsHandler{dispatcher: d}
}

type notificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Unread        int64                 `json:"unread"`
}

func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "1" || r.URL.Query().Get("unread") == "true"

	ns, err := h.dispatcher.ListForUser(r.Context(), caller.ID, limit, unreadOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	unread, err := h.dispatcher.UnreadCount(r.Context(), caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: ns, Unread: unread})
}

func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.dispatcher.MarkRead(r.Context(), caller.ID, id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationsHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	n, err := h.dispatcher.MarkAllRead(r.Context(), caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
