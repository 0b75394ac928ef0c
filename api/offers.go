package api

import (
	"net/http"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/pkg/models"
)

type OffersHandler struct {
	offers *market.Offers
}

func NewOffersHandler(offers *market.Offers) *OffersHandler {
	return &OffersHandler{offers: offers}
}

type decisionRequest struct {
	Decision string  `json:"decision"`
	Reason   *string `json:"reason,omitempty"`
}

// requestAndOffer reads the {id} and {offerID} route variables.
func requestAndOffer(r *http.Request) (int64, int64, error) {
	requestID, err := pathID(r, "id")
	if err != nil {
		return 0, 0, err
	}
	offerID, err := pathID(r, "offerID")
	if err != nil {
		return 0, 0, err
	}

	return requestID, offerID, nil
}

func (h *OffersHandler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	requestID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var in market.NewOffer
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	o, err := h.offers.SubmitOffer(r.Context(), caller, requestID, in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, o)
}

func (h *OffersHandler) ListOffers(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	requestID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.offers.ListOffers(r.Context(), caller, requestID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *OffersHandler) UpdateOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	requestID, offerID, err := requestAndOffer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var patch models.OfferPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	o, err := h.offers.UpdateOffer(r.Context(), caller, requestID, offerID, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (h *OffersHandler) DecideOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	requestID, offerID, err := requestAndOffer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var in decisionRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.offers.DecideOffer(r.Context(), caller, requestID, offerID, in.Decision, in.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *OffersHandler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	requestID, offerID, err := requestAndOffer(r)
	if err != nil {
		writeError(w, err)
		return
	}

	o, err := h.offers.WithdrawOffer(r.Context(), caller, requestID, offerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// MyOffers lists the caller's own offers across requests.
func (h *OffersHandler) MyOffers(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	out, err := h.offers.ListOffersByWorker(r.Context(), caller, caller.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}
