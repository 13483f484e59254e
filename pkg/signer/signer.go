// Package signer computes and verifies the HMAC-SHA256 signatures carried in
// the X-Signature header of peer RPC requests.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HeaderName is the HTTP header carrying the hex signature.
const HeaderName = "X-Signature"

// Signer signs request bodies with a shared secret.
type Signer struct {
	secret []byte
}

func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	return ComputeHMAC(s.secret, payload)
}

// Verify reports whether signature matches payload.
func (s *Signer) Verify(payload []byte, signature string) bool {
	return Verify(s.secret, payload, signature)
}

func ComputeHMAC(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time. Malformed hex never verifies.
func Verify(secret, payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
