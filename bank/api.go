package bank

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonanatree/cyberbank/bank/models"
)

// API is a HTTP API for the bank: merchant and payer facing payment endpoints plus
// the clearing callbacks used by the hub.
type API struct {
	service *Service
	relay   *Relay
}

func NewAPI(service *Service, relay *Relay) *API {
	return &API{
		service: service,
		relay:   relay,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/payment", func(r chi.Router) {
		r.Post("/", a.requestPayment)
		r.Post("/withCard", a.submitCard)
		r.Post("/transaction", a.clearingResponse)
		r.Get("/{paymentID}", a.getPayment)
	})
	r.Post("/clearing/requests", a.clearingRequest)
	r.Get("/accounts/{number}", a.getAccount)
}

type submitCardResponse struct {
	PaymentID   string                   `json:"payment_id"`
	Status      models.TransactionStatus `json:"status"`
	RedirectURL string                   `json:"redirect_url"`
	Pending     bool                     `json:"pending,omitempty"`
}

func (a *API) requestPayment(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.service.RequestPayment(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) submitCard(w http.ResponseWriter, r *http.Request) {
	var sub models.CardSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := a.service.SubmitCard(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	tx := ResultTransaction(result)
	_, pending := result.(PendingRemote)
	writeJSON(w, http.StatusOK, submitCardResponse{
		PaymentID:   tx.PaymentID,
		Status:      tx.Status,
		RedirectURL: RedirectURL(tx.Status, sub.ReturnURLs(tx.URLs)),
		Pending:     pending,
	})
}

// clearingResponse receives the issuer's answer for an outbound request.
func (a *API) clearingResponse(w http.ResponseWriter, r *http.Request) {
	var resp models.ClearingResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.relay.ConsumeResponse(r.Context(), resp); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// clearingRequest authorizes a foreign acquirer's request for one of our cards.
func (a *API) clearingRequest(w http.ResponseWriter, r *http.Request) {
	var req models.ClearingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := a.relay.Authorize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	txs, err := a.service.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	funds, err := a.service.GetAccountFunds(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrUnknownMerchant):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, models.ErrUnknownPayment), errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
