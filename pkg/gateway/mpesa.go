package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// MpesaClient dispatches mobile-money push payouts through a Daraja-style
// B2C API. The destination is the recipient's phone number.
type MpesaClient struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackSecret string
	HTTPClient     *http.Client
}

// NewMpesaClient creates a mobile-money gateway client with a bounded request timeout.
func NewMpesaClient(baseURL, consumerKey, consumerSecret, shortcode, passkey, callbackSecret string, timeout time.Duration) *MpesaClient {
	return &MpesaClient{
		BaseURL:        baseURL,
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		Shortcode:      shortcode,
		Passkey:        passkey,
		CallbackSecret: callbackSecret,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// mpesaPaymentRequest is the provider wire payload for a B2C payment.
type mpesaPaymentRequest struct {
	Shortcode         string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	Amount            int64  `json:"Amount"`
	PartyB            string `json:"PartyB"`
	OriginatorConvID  string `json:"OriginatorConversationID"`
	TransactionType   string `json:"TransactionType"`
	Remarks           string `json:"Remarks"`
	QueueTimeOutURL   string `json:"QueueTimeOutURL,omitempty"`
	ResultURL         string `json:"ResultURL,omitempty"`
	OccasionReference string `json:"Occasion,omitempty"`
}

// mpesaPaymentResponse is the synchronous acknowledgment envelope.
type mpesaPaymentResponse struct {
	ConversationID      string `json:"ConversationID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (c *MpesaClient) Name() string { return "mpesa" }

// DispatchPayout sends a B2C payment request. The password is the provider's
// prescribed base64(shortcode+passkey+timestamp) credential, recomputed per call.
func (c *MpesaClient) DispatchPayout(ctx context.Context, p Payout) (*DispatchResult, error) {
	timestamp := time.Now().UTC().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.Shortcode + c.Passkey + timestamp))

	reqPayload := mpesaPaymentRequest{
		Shortcode:        c.Shortcode,
		Password:         password,
		Timestamp:        timestamp,
		Amount:           p.Amount,
		PartyB:           p.Destination,
		OriginatorConvID: p.RequestID.String(),
		TransactionType:  "BusinessPayment",
		Remarks:          "watchearn payout",
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mpesa payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/mpesa/b2c/v1/paymentrequest", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create mpesa payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport failures and client timeouts are retryable by contract.
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: err.Error()}, nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: err.Error()}, nil
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=mpesa_client op=dispatch status=%d msg=\"provider error\" request_id=%s", resp.StatusCode, p.RequestID)
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: fmt.Sprintf("provider status %d", resp.StatusCode)}, nil
	}

	var payResp mpesaPaymentResponse
	if err := json.Unmarshal(bodyBytes, &payResp); err != nil {
		return &DispatchResult{Accepted: false, Retryable: true, ErrorDetail: fmt.Sprintf("unparsable provider response (status %d)", resp.StatusCode)}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := payResp.ErrorMessage
		if detail == "" {
			detail = payResp.ResponseDescription
		}
		log.Printf("level=warn component=mpesa_client op=dispatch status=%d code=%q detail=%q request_id=%s", resp.StatusCode, payResp.ErrorCode, detail, p.RequestID)
		return &DispatchResult{Accepted: false, Retryable: false, ErrorDetail: detail}, nil
	}

	if payResp.ResponseCode != "0" {
		return &DispatchResult{Accepted: false, Retryable: false, ErrorDetail: payResp.ResponseDescription}, nil
	}

	return &DispatchResult{
		Accepted:          true,
		ProviderReference: payResp.ConversationID,
		Retryable:         false,
	}, nil
}

// VerifyCallbackSignature validates the HMAC the provider attaches to result callbacks.
func (c *MpesaClient) VerifyCallbackSignature(body []byte, signature string) bool {
	return verifySignature(c.CallbackSecret, body, signature)
}
