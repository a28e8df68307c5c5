package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/SigNoz/nexus-checkout/internal/middleware"
	"github.com/SigNoz/nexus-checkout/internal/services"
	"go.uber.org/zap"
)

// errorBody is the shape of every error response
type errorBody struct {
	Detail    string            `json:"detail"`
	Fields    map[string]string `json:"fields,omitempty"`
	PaymentID string            `json:"payment_id,omitempty"`
	TxRef     string            `json:"tx_ref,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeError maps service errors to HTTP responses. Anything unclassified is
// logged and reported as a bare 500.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *services.ValidationError
		initiated  *services.AlreadyInitiatedError
		forbidden  *services.ForbiddenError
		notFound   *services.NotFoundError
		gateway    *services.ExternalGatewayError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "Invalid request.", Fields: validation.Fields})
	case errors.As(err, &initiated):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Detail:    "Payment already initiated for this order.",
			PaymentID: initiated.PaymentID,
			TxRef:     initiated.TxRef,
		})
	case services.IsBusinessRule(err):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &forbidden):
		writeDetail(w, http.StatusForbidden, forbidden.Reason)
	case errors.As(err, &notFound):
		writeDetail(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, services.ErrMissingSignature):
		writeDetail(w, http.StatusBadRequest, "Missing signature")
	case errors.Is(err, services.ErrInvalidSignature):
		writeDetail(w, http.StatusForbidden, "Invalid signature")
	case errors.Is(err, services.ErrMalformedPayload):
		writeDetail(w, http.StatusBadRequest, "Invalid JSON payload")
	case errors.Is(err, services.ErrGatewayTimeout):
		writeDetail(w, http.StatusGatewayTimeout, services.ErrGatewayTimeout.Error())
	case errors.As(err, &gateway):
		if gateway.Op == services.GatewayOpVerify {
			writeDetail(w, http.StatusBadRequest, "Failed to verify payment with the gateway.")
			return
		}
		writeDetail(w, http.StatusBadRequest, "Failed to initialize payment with the gateway.")
	default:
		a.logger.Error("request failed",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}
