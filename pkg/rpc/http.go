package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/backoff"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/cbodonnell/worldcycle/pkg/signer"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 5 * time.Second
	DefaultSyncWait       = 120 * time.Second

	transportHTTP = "http"
)

// HTTPTransport POSTs signed JSON bodies to the peer's /rpc endpoint.
// begin-cycle gets its own client because the peer holds that response
// open for up to its sync wait.
type HTTPTransport struct {
	url        string
	signer     *signer.Signer
	policy     backoff.Policy
	client     *http.Client
	syncClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *log.Logger
}

type NewHTTPTransportOptions struct {
	// PeerURL is the peer's base URL; /rpc is appended.
	PeerURL        string
	Secret         string
	Policy         backoff.Policy
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// SyncWait is the peer's begin-cycle sync wait. begin-cycle responses
	// are read for SyncWait plus ReadTimeout. Defaults to 120 seconds.
	SyncWait time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewHTTPTransport(opts NewHTTPTransportOptions) *HTTPTransport {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	syncWait := opts.SyncWait
	if syncWait <= 0 {
		syncWait = DefaultSyncWait
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &HTTPTransport{
		url:        strings.TrimRight(opts.PeerURL, "/") + "/rpc",
		signer:     signer.New(opts.Secret),
		policy:     opts.Policy,
		client:     newHTTPClient(connectTimeout, readTimeout),
		syncClient: newHTTPClient(connectTimeout, syncWait+readTimeout),
		sleep:      sleep,
		logger:     log.With("rpc-http"),
	}
}

func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
		},
		Timeout: connectTimeout + readTimeout,
	}
}

func (t *HTTPTransport) Name() string {
	return transportHTTP
}

// URL returns the endpoint calls are posted to.
func (t *HTTPTransport) URL() string {
	return t.url
}

// Send encodes m and delivers it with retries.
func (t *HTTPTransport) Send(ctx context.Context, m messages.Message) error {
	body, err := messages.EncodeBody(m)
	if err != nil {
		return err
	}
	_, err = t.SendBody(ctx, m.Action, body)
	return err
}

// SendBody posts body under the retry policy: a 4xx stops immediately, a
// 5xx or network failure is retried after the policy delay. It returns the
// number of attempts made.
func (t *HTTPTransport) SendBody(ctx context.Context, action messages.Action, body []byte) (int, error) {
	attempts := t.policy.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := t.policy.Delay(attempt - 1)
			t.logger.Debug("Retrying %s in %s (attempt %d/%d)", action, delay, attempt+1, attempts)
			if err := t.sleep(ctx, delay); err != nil {
				return attempt, err
			}
		}

		lastErr = t.Post(ctx, action, body)
		if lastErr == nil {
			metrics.RPCSendTotal.WithLabelValues(transportHTTP, action.String(), "ok").Inc()
			return attempt + 1, nil
		}
		if IsTerminal(lastErr) {
			metrics.RPCSendTotal.WithLabelValues(transportHTTP, action.String(), "terminal").Inc()
			t.logger.Warn("Peer rejected %s: %v", action, lastErr)
			return attempt + 1, lastErr
		}
		metrics.RPCSendTotal.WithLabelValues(transportHTTP, action.String(), "retry").Inc()
		t.logger.Debug("Attempt %d of %s failed: %v", attempt+1, action, lastErr)
	}
	return attempts, fmt.Errorf("gave up on %s after %d attempts: %w", action, attempts, lastErr)
}

// Post makes exactly one signed delivery attempt.
func (t *HTTPTransport) Post(ctx context.Context, action messages.Action, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signer.HeaderName, t.signer.Sign(body))

	client := t.client
	if action == messages.ActionBeginCycle {
		client = t.syncClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
