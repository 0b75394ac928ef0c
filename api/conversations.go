package api

import (
	"net/http"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/pkg/models"
)

type ConversationsHandler struct {
	convs *market.Conversations
}

func NewConversationsHandler(convs *market.Conversations) *ConversationsHandler {
	return &ConversationsHandler{convs: convs}
}

type startConversationRequest struct {
	UserID           int64  `json:"user_id"`
	RelatedRequestID *int64 `json:"related_request_id,omitempty"`
	Title            string `json:"title"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *ConversationsHandler) Start(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var in startConversationRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	c, err := h.convs.FindOrCreateConversation(r.Context(), caller, in.UserID, in.RelatedRequestID, in.Title)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

type conversationsResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Unread        int64                        `json:"unread"`
}

func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	list, err := h.convs.ListConversations(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	unread, err := h.convs.UnreadTotal(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: list, Unread: unread})
}

func (h *ConversationsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.convs.ListMessages(r.Context(), caller, id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

func (h *ConversationsHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var in postMessageRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	m, err := h.convs.PostMessage(r.Context(), caller, id, in.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

func (h *ConversationsHandler) Archive(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.convs.ArchiveConversation(r.Context(), caller, id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
