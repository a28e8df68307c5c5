package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/SigNoz/nexus-checkout/internal/models"
	"github.com/SigNoz/nexus-checkout/internal/services"
	"github.com/gorilla/mux"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body
	SignatureHeader = "Chapa-Signature"

	maxWebhookBody = 1 << 20
)

// InitiatePaymentHandler handles POST /api/v1/payments/initiate
func (a *App) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InitiatePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	resp, err := a.paymentService.Initiate(r.Context(), principal(r), services.InitiateInput{
		OrderID:   req.OrderID,
		ReturnURL: req.ReturnURL,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PaymentWebhookHandler handles POST /api/v1/payments/webhook. The body is
// read raw so the signature is checked against the exact bytes received.
func (a *App) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	result, err := a.paymentService.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detail":  "Webhook processed",
		"changed": result.Changed,
	})
}

// ListPaymentsHandler handles GET /api/v1/payments
func (a *App) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := a.paymentService.ListPayments(r.Context(), principal(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// GetPaymentHandler handles GET /api/v1/payments/{id}
func (a *App) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	payment, err := a.paymentService.GetPayment(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// VerifyPaymentHandler handles POST /api/v1/payments/{id}/verify
func (a *App) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	payment, err := a.paymentService.Verify(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}
