package signer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	secret := []byte("s3cret")
	payload := []byte(`{"action":"begin-cycle","caller":""}`)
	signature := ComputeHMAC(secret, payload)

	tests := []struct {
		name      string
		secret    []byte
		payload   []byte
		signature string
		want      bool
	}{
		{name: "valid", secret: secret, payload: payload, signature: signature, want: true},
		{name: "uppercase hex", secret: secret, payload: payload, signature: strings.ToUpper(signature), want: true},
		{name: "wrong secret", secret: []byte("other"), payload: payload, signature: signature, want: false},
		{name: "mutated payload", secret: secret, payload: []byte(`{"action":"world-ready","caller":""}`), signature: signature, want: false},
		{name: "empty signature", secret: secret, payload: payload, signature: "", want: false},
		{name: "not hex", secret: secret, payload: payload, signature: "zz", want: false},
		{name: "truncated", secret: secret, payload: payload, signature: signature[:32], want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.secret, tt.payload, tt.signature))
		})
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	s := New("shared")
	body := []byte("hello")
	assert.True(t, s.Verify(body, s.Sign(body)))
	assert.False(t, New("different").Verify(body, s.Sign(body)))
	assert.Len(t, s.Sign(body), 64)
}
