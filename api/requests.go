package api

import (
	"context"
	"net/http"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/pkg/models"
)

type RequestsHandler struct {
	requests *market.Requests
}

func NewRequestsHandler(requests *market.Requests) *RequestsHandler {
	return &RequestsHandler{requests: requests}
}

type statusRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes,omitempty"`
}

type assignRequest struct {
	WorkerID int64   `json:"worker_id"`
	Notes    *string `json:"notes,omitempty"`
}

func (h *RequestsHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var in market.NewRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.CreateRequest(r.Context(), caller, in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// ListRequests accepts the status, client_id, worker_id, limit and offset
// query parameters. mine=1 narrows to the caller's own requests or jobs.
func (h *RequestsHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := models.RequestFilter{Status: q.Get("status")}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, err)
		return
	}
	clientID, err := queryInt(r, "client_id")
	if err != nil {
		writeError(w, err)
		return
	}
	workerID, err := queryInt(r, "worker_id")
	if err != nil {
		writeError(w, err)
		return
	}
	f.ClientID, f.WorkerID = int64(clientID), int64(workerID)
	if q.Get("mine") == "1" || q.Get("mine") == "true" {
		if caller.Role == models.RoleWorker {
			f.WorkerID = caller.ID
		} else {
			f.ClientID = caller.ID
		}
	}

	out, err := h.requests.ListRequests(r.Context(), caller, f)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *RequestsHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.GetRequest(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *RequestsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.requests.UpdateStatus)
}

func (h *RequestsHandler) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.requests.OverrideStatus)
}

type statusFunc func(ctx context.Context, caller market.Caller, id int64, status string, notes *string) (*models.Request, error)

func (h *RequestsHandler) changeStatus(w http.ResponseWriter, r *http.Request, fn statusFunc) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var in statusRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := fn(r.Context(), caller, id, in.Status, in.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *RequestsHandler) AssignWorker(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var in assignRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.AssignWorker(r.Context(), caller, id, in.WorkerID, in.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *RequestsHandler) ListStatusHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.requests.ListStatusHistory(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}
