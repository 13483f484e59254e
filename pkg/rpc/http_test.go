package rpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/backoff"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/signer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestTransport(url string, maxRetries int) *HTTPTransport {
	policy := backoff.DefaultPolicy()
	policy.MaxRetries = maxRetries
	return NewHTTPTransport(NewHTTPTransportOptions{
		PeerURL: url,
		Secret:  "s3cret",
		Policy:  policy,
		Sleep:   noSleep,
	})
}

func TestHTTPTransport_Attempts(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		maxRetries   int
		wantAttempts int32
		wantErr      bool
		wantTerminal bool
	}{
		{name: "ok", status: http.StatusOK, maxRetries: 3, wantAttempts: 1},
		{name: "accepted", status: http.StatusAccepted, maxRetries: 3, wantAttempts: 1},
		{name: "4xx is terminal", status: http.StatusForbidden, maxRetries: 3, wantAttempts: 1, wantErr: true, wantTerminal: true},
		{name: "5xx is retried", status: http.StatusInternalServerError, maxRetries: 2, wantAttempts: 3, wantErr: true},
		{name: "no retries", status: http.StatusBadGateway, maxRetries: 0, wantAttempts: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			transport := newTestTransport(server.URL, tt.maxRetries)
			err := transport.Send(context.Background(), messages.NewMessage(messages.ActionBeginCycle, uuid.Nil))
			assert.Equal(t, tt.wantAttempts, attempts.Load())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantTerminal, IsTerminal(err))
		})
	}
}

func TestHTTPTransport_ConnectionFailureRetried(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	transport := newTestTransport(url, 2)
	var slept []time.Duration
	transport.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	attempts, err := transport.SendBody(context.Background(), messages.ActionWorldReady, []byte(`{"action":"world-ready","caller":""}`))
	assert.Error(t, err)
	assert.False(t, IsTerminal(err))
	assert.Equal(t, 3, attempts)
	require.Len(t, slept, 2)
	assert.GreaterOrEqual(t, slept[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, slept[1], 200*time.Millisecond)
}

func TestHTTPTransport_SignsExactBody(t *testing.T) {
	var gotPath string
	var verified bool
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		verified = signer.Verify([]byte("s3cret"), body, r.Header.Get(signer.HeaderName))
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	transport := newTestTransport(server.URL+"/", 0)
	caller := uuid.New()
	require.NoError(t, transport.Send(context.Background(), messages.NewMessage(messages.ActionMovePlayers, caller)))
	assert.Equal(t, "/rpc", gotPath)
	assert.True(t, verified)

	m, err := messages.DecodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, messages.ActionMovePlayers, m.Action)
	assert.Equal(t, caller, m.Caller)
}

func TestHTTPTransport_ContextCancelStopsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	transport := newTestTransport(server.URL, 3)
	transport.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := transport.SendBody(ctx, messages.ActionBeginCycle, []byte(`{}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHTTPTransport_BeginCycleWaitsForSyncAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the peer holds the answer until its cycle is over
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	transport := NewHTTPTransport(NewHTTPTransportOptions{
		PeerURL:     server.URL,
		Secret:      "s3cret",
		ReadTimeout: 50 * time.Millisecond,
		SyncWait:    time.Second,
		Sleep:       noSleep,
	})

	tests := []struct {
		action  messages.Action
		wantErr bool
	}{
		{action: messages.ActionBeginCycle},
		{action: messages.ActionMovePlayers, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			err := transport.Send(context.Background(), messages.NewMessage(tt.action, uuid.Nil))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
