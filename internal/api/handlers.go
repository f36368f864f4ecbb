/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the orchestrator or reconciler, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/app"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
)

// Callback bodies larger than this are rejected before signature verification.
const maxCallbackBodyBytes = 64 * 1024

// PayoutHandlers holds the application collaborators that handlers will use.
type PayoutHandlers struct {
	orchestrator      *app.PayoutOrchestrator
	reconciler        *app.CallbackReconciler
	limiter           *app.RedisCallbackRateLimiter
	callbackRateLimit int
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(orchestrator *app.PayoutOrchestrator, reconciler *app.CallbackReconciler, limiter *app.RedisCallbackRateLimiter, callbackRateLimit int) *PayoutHandlers {
	return &PayoutHandlers{
		orchestrator:      orchestrator,
		reconciler:        reconciler,
		limiter:           limiter,
		callbackRateLimit: callbackRateLimit,
	}
}

// payoutResponse is the API representation of a payment request. It mirrors
// the stored record minus internal bookkeeping.
type payoutResponse struct {
	RequestID     string     `json:"request_id"`
	State         string     `json:"state"`
	Amount        int64      `json:"amount"`
	Method        string     `json:"method"`
	Destination   string     `json:"destination"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	FailureDetail *string    `json:"failure_detail,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func buildPayoutResponse(req *domain.PaymentRequest) payoutResponse {
	return payoutResponse{
		RequestID:     req.ID.String(),
		State:         string(req.State),
		Amount:        req.Amount,
		Method:        string(req.Method),
		Destination:   req.Destination,
		AttemptCount:  req.AttemptCount,
		NextAttemptAt: req.NextAttemptAt,
		FailureDetail: req.FailureDetail,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
	}
}

// SubmitPayoutHandler handles withdrawal submissions. Clients that resend the
// same request_id after their own timeout get the stored request back rather
// than a second payout.
func (h *PayoutHandlers) SubmitPayoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var payload domain.SubmitWithdrawalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := h.orchestrator.SubmitWithdrawal(r.Context(), userID, payload)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrAmountBelowMinimum),
			errors.Is(err, app.ErrUnsupportedMethod),
			errors.Is(err, app.ErrInvalidDestination):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeError(w, http.StatusUnprocessableEntity, "Insufficient balance for withdrawal")
		case errors.Is(err, store.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "User balance not found")
		case errors.Is(err, store.ErrRequestNotFound):
			// A resent request_id that belongs to another user resolves here.
			h.writeError(w, http.StatusNotFound, "Payout not found")
		default:
			log.Printf("level=error component=api op=submit_payout msg=\"submission failed\" user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to submit withdrawal")
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, buildPayoutResponse(req))
}

// GetPayoutHandler returns the current state of a payment request. Users can
// only read their own requests.
func (h *PayoutHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	req, err := h.orchestrator.GetPayout(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			h.writeError(w, http.StatusNotFound, "Payout not found")
			return
		}
		log.Printf("level=error component=api op=get_payout msg=\"lookup failed\" request_id=%s err=%v", requestID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payout")
		return
	}
	if req.UserID != userID {
		h.writeError(w, http.StatusNotFound, "Payout not found")
		return
	}

	h.writeJSON(w, http.StatusOK, buildPayoutResponse(req))
}

// CancelPayoutHandler aborts a payment request that has not yet been handed
// to a gateway. Internal operator surface, not exposed to end users.
func (h *PayoutHandlers) CancelPayoutHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	req, err := h.orchestrator.Cancel(r.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRequestNotFound):
			h.writeError(w, http.StatusNotFound, "Payout not found")
		case errors.Is(err, app.ErrNotCancellable):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api op=cancel_payout msg=\"cancellation failed\" request_id=%s err=%v", requestID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to cancel payout")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, buildPayoutResponse(req))
}

// GatewayCallbackHandler receives asynchronous payout outcomes from the
// payment providers. The raw body is handed to the reconciler untouched
// because the signature covers its exact bytes.
func (h *PayoutHandlers) GatewayCallbackHandler(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if h.limiter != nil && h.callbackRateLimit > 0 {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "callbacks", provider, h.callbackRateLimit, time.Minute)
		if err != nil {
			// Redis being down must not drop legitimate provider callbacks.
			log.Printf("level=warn component=api op=gateway_callback msg=\"rate limiter unavailable; allowing\" provider=%s err=%v", provider, err)
		} else if count > h.callbackRateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read callback body")
		return
	}
	signature := r.Header.Get("X-Callback-Signature")

	if err := h.reconciler.HandleCallback(r.Context(), provider, body, signature); err != nil {
		switch {
		case errors.Is(err, app.ErrUnknownProvider):
			h.writeError(w, http.StatusNotFound, "Unknown provider")
		case errors.Is(err, app.ErrInvalidSignature):
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, app.ErrMalformedCallback):
			h.writeError(w, http.StatusBadRequest, "Malformed callback")
		case errors.Is(err, app.ErrUnknownReference):
			h.writeError(w, http.StatusNotFound, "Unknown provider reference")
		default:
			log.Printf("level=error component=api op=gateway_callback msg=\"reconciliation failed\" provider=%s err=%v", provider, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process callback")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON is a helper for writing JSON responses.
func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
