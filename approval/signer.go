package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Signer issues and checks the HMAC protecting approval links. The
// signed message is "<execution_id>:<timestamp>", so a link is only
// valid for the execution and instant it was minted for.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("approval secret cannot be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex HMAC-SHA256 over executionID and timestamp
func (s *Signer) Sign(executionID, timestamp string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s", executionID, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches, comparing in constant time
func (s *Signer) Verify(executionID, timestamp, signature string) bool {
	expected := s.Sign(executionID, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Link is a ready-to-send approval URL with its signed components
type Link struct {
	URL       string `json:"url"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// ApprovalURL mints the signed link embedded in approval-request
// notifications
func (s *Signer) ApprovalURL(executionID, baseURL string, now time.Time) Link {
	timestamp := now.UTC().Format(time.RFC3339)
	signature := s.Sign(executionID, timestamp)

	query := url.Values{}
	query.Set("id", executionID)
	query.Set("sig", signature)
	query.Set("ts", timestamp)

	return Link{
		URL:       strings.TrimRight(baseURL, "/") + "/approve?" + query.Encode(),
		Signature: signature,
		Timestamp: timestamp,
	}
}
