package dispatchjob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// IDHeader is the HTTP header name carrying the dispatch job id
	IDHeader = "X-FlowCatalyst-ID"

	// SignatureHeader is the HTTP header name for the webhook signature
	SignatureHeader = "X-FlowCatalyst-SIGNATURE"

	// TimestampHeader is the HTTP header name for the webhook timestamp
	TimestampHeader = "X-FlowCatalyst-TIMESTAMP"
)

// SignedWebhookRequest contains all the data needed to send a signed webhook request
type SignedWebhookRequest struct {
	Payload     string
	Signature   string
	Timestamp   string
	BearerToken string
}

// WebhookSigner generates HMAC-SHA256 signatures for outbound webhook requests.
//
// The signature is generated using the timestamp concatenated with the payload,
// then signed with the signing secret. The receiver can verify by reproducing this signature.
//
type WebhookSigner struct{}

// NewWebhookSigner creates a new webhook signer
func NewWebhookSigner() *WebhookSigner {
	return &WebhookSigner{}
}

// Sign signs a webhook payload with the provided credentials.
//
// The signature is computed as: HMAC-SHA256(timestamp + payload, signingSecret)
//
// Parameters:
//   - payload: The request body to sign
//   - authToken: The bearer token for Authorization header
//   - signingSecret: The secret key for HMAC-SHA256 signing
//
// Returns a SignedWebhookRequest with signature, timestamp, and bearer token
func (s *WebhookSigner) Sign(payload, authToken, signingSecret string) *SignedWebhookRequest {
	// Decimal epoch seconds, per the X-FlowCatalyst-TIMESTAMP contract
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	// Create signature payload: timestamp + body
	signaturePayload := timestamp + payload

	// Generate HMAC SHA-256 signature
	signature := s.hmacSHA256Hex(signaturePayload, signingSecret)

	return &SignedWebhookRequest{
		Payload:     payload,
		Signature:   signature,
		Timestamp:   timestamp,
		BearerToken: authToken,
	}
}

// MaxTimestampSkew is how far a webhook timestamp may drift from the
// receiver's clock before verification rejects it.
const MaxTimestampSkew = 5 * time.Minute

// Verify verifies a webhook signature and rejects timestamps outside the
// skew window, so captured requests cannot be replayed later.
//
// Parameters:
//   - payload: The request body that was signed
//   - timestamp: The timestamp from the TimestampHeader
//   - signature: The signature from the SignatureHeader
//   - signingSecret: The secret key used for signing
func (s *WebhookSigner) Verify(payload, timestamp, signature, signingSecret string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew > MaxTimestampSkew || skew < -MaxTimestampSkew {
		return false
	}

	signaturePayload := timestamp + payload
	expected := s.hmacSHA256Hex(signaturePayload, signingSecret)

	// Constant-time comparison to prevent timing attacks.
	return hmac.Equal([]byte(expected), []byte(signature))
}

// hmacSHA256Hex computes HMAC-SHA256 and returns hex-encoded result (lowercase)
func (s *WebhookSigner) hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	hash := mac.Sum(nil)
	return hex.EncodeToString(hash)
}
