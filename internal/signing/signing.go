// Package signing implements HMAC signatures for outbound webhook payloads
// so receivers can authenticate notifications.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signer generates and validates HMAC-SHA256 payload signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature over the payload and its unix timestamp.
// The timestamp is part of the signed material so captured deliveries cannot
// be replayed later with a fresh-looking header.
func (s *Signer) Sign(payload []byte, unixTS int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(unixTS, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks a received signature against the payload and timestamp
// header values. Comparison is constant time.
func (s *Signer) Validate(payload []byte, timestamp, signature string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(payload, ts)
	return hmac.Equal([]byte(expected), []byte(signature))
}
