package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// WalletPayClient dispatches payouts to a digital-wallet provider. The
// destination is the recipient's wallet email address.
type WalletPayClient struct {
	BaseURL        string
	APIKey         string
	CallbackSecret string
	HTTPClient     *http.Client
}

// NewWalletPayClient creates a wallet-payout gateway client with a bounded request timeout.
func NewWalletPayClient(baseURL, apiKey, callbackSecret string, timeout time.Duration) *WalletPayClient {
	return &WalletPayClient{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		CallbackSecret: callbackSecret,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// walletPayoutRequest is the provider wire payload. SenderBatchID carries the
// payment request id so the provider deduplicates on its side too.
type walletPayoutRequest struct {
	SenderBatchID string            `json:"sender_batch_id"`
	Items         []walletPayoutRow `json:"items"`
}

type walletPayoutRow struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receiver string `json:"receiver"`
	Note     string `json:"note,omitempty"`
}

// walletPayoutResponse is the synchronous acknowledgment envelope.
type walletPayoutResponse struct {
	BatchID string `json:"payout_batch_id"`
	Status  string `json:"batch_status"`
	Error   struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *WalletPayClient) Name() string { return "walletpay" }

// DispatchPayout submits a single-item payout batch to the wallet provider.
func (c *WalletPayClient) DispatchPayout(ctx context.Context, p Payout) (*DispatchResult, error) {
	reqPayload := walletPayoutRequest{
		SenderBatchID: p.RequestID.String(),
		Items: []walletPayoutRow{
			{
				Amount:   p.Amount,
				Currency: "USD",
				Receiver: p.Destination,
				Note:     "watchearn payout",
			},
		},
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/payments/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: err.Error()}, nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: err.Error()}, nil
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=walletpay_client op=dispatch status=%d msg=\"provider error\" request_id=%s", resp.StatusCode, p.RequestID)
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: fmt.Sprintf("provider status %d", resp.StatusCode)}, nil
	}

	var payResp walletPayoutResponse
	if err := json.Unmarshal(bodyBytes, &payResp); err != nil {
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: fmt.Sprintf("unparsable provider response (status %d)", resp.StatusCode)}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := payResp.Error.Message
		if detail == "" {
			detail = fmt.Sprintf("provider status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=walletpay_client op=dispatch status=%d name=%q detail=%q request_id=%s", resp.StatusCode, payResp.Error.Name, detail, p.RequestID)
		return &DispatchResult{Accepted: false, Retryable: false, ErrorDetail: detail}, nil
	}

	return &DispatchResult{
		Accepted:          true,
		ProviderReference: payResp.BatchID,
		Retryable:         false,
	}, nil
}

// VerifyCallbackSignature validates the HMAC the provider attaches to payout callbacks.
func (c *WalletPayClient) VerifyCallbackSignature(body []byte, signature string) bool {
	return verifySignature(c.CallbackSecret, body, signature)
}
