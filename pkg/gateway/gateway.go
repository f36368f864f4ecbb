/**
 * @description
 * This package provides clients for the external payment providers that execute
 * payouts. Each provider speaks its own wire format and auth scheme, but every
 * client normalizes its answer into a DispatchResult so the orchestrator never
 * sees provider-specific shapes.
 *
 * Gateways are a pure translation boundary: they never touch the ledger or the
 * payment request store.
 */
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Payout carries the provider-agnostic fields of a dispatch instruction.
type Payout struct {
	RequestID   uuid.UUID
	Amount      int64 // coin-cents
	Destination string
}

// DispatchResult is the normalized outcome of a dispatch call.
//
// Accepted=true means the provider synchronously acknowledged the instruction
// and a callback will follow; ProviderReference is then set. Accepted=false
// with Retryable=true covers transport failures, timeouts and provider 5xx;
// Retryable=false covers business rejections (invalid destination, provider
// out of funds) that will not succeed on re-dispatch.
type DispatchResult struct {
	Accepted          bool
	ProviderReference string
	Retryable         bool
	ErrorDetail       string
}

// Client is the capability every payment provider variant implements.
type Client interface {
	// Name identifies the provider in logs, metrics and callback routing.
	Name() string
	// DispatchPayout sends the withdrawal instruction to the provider. The
	// error return is reserved for programming errors (bad payload encoding);
	// all provider and transport failures are normalized into the result.
	DispatchPayout(ctx context.Context, p Payout) (*DispatchResult, error)
	// VerifyCallbackSignature checks the authenticity of a callback delivery
	// against the provider's shared secret before any processing happens.
	VerifyCallbackSignature(body []byte, signature string) bool
}

// signBody computes the hex HMAC-SHA256 of a callback body.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature compares a presented signature with the expected HMAC in
// constant time.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := signBody(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign exposes body signing for tests and for providers that echo signatures.
func Sign(secret string, body []byte) string {
	return signBody(secret, body)
}
