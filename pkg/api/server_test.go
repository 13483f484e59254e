package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/cycle"
	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/repositories"
	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
	"github.com/cbodonnell/worldcycle/pkg/signer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

type fakeNode struct {
	lock       sync.Mutex
	dispatched []messages.Message
	status     cycle.DispatchStatus
	err        error
}

func (n *fakeNode) Dispatch(ctx context.Context, m messages.Message, wait bool) (cycle.DispatchStatus, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.dispatched = append(n.dispatched, m)
	return n.status, n.err
}

func (n *fakeNode) Status(ctx context.Context) (cycle.Status, error) {
	return cycle.Status{Role: types.RoleHardcore, CycleNumber: 4, Phase: "idle", World: "hardcore_4"}, nil
}

func (n *fakeNode) Health() cycle.Health {
	return cycle.Health{Status: "ok", Role: types.RoleHardcore, CycleNumber: 4, PlayersOnline: 2}
}

func (n *fakeNode) Dispatched() []messages.Message {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]messages.Message(nil), n.dispatched...)
}

func signedRequest(t *testing.T, body []byte, signature string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signer.HeaderName, signature)
	}
	return req
}

func encode(t *testing.T, m messages.Message) []byte {
	t.Helper()
	body, err := messages.EncodeBody(m)
	require.NoError(t, err)
	return body
}

func TestRPC(t *testing.T) {
	valid := encode(t, messages.NewMessage(messages.ActionBeginCycle, uuid.New()))
	unknown := []byte(`{"action":"explode","caller":""}`)

	tests := []struct {
		name         string
		body         []byte
		signature    string
		status       cycle.DispatchStatus
		err          error
		expectedCode int
		expectedBody string
		dispatched   int
	}{
		{
			name:         "completed",
			body:         valid,
			signature:    signer.ComputeHMAC([]byte(testSecret), valid),
			status:       cycle.DispatchCompleted,
			expectedCode: http.StatusOK,
			expectedBody: "OK",
			dispatched:   1,
		},
		{
			name:         "accepted",
			body:         valid,
			signature:    signer.ComputeHMAC([]byte(testSecret), valid),
			status:       cycle.DispatchAccepted,
			expectedCode: http.StatusAccepted,
			expectedBody: "ACCEPTED",
			dispatched:   1,
		},
		{
			name:         "missing signature",
			body:         valid,
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "signature of another body",
			body:         valid,
			signature:    signer.ComputeHMAC([]byte(testSecret), unknown),
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "wrong secret",
			body:         valid,
			signature:    signer.ComputeHMAC([]byte("guess"), valid),
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "unknown action",
			body:         unknown,
			signature:    signer.ComputeHMAC([]byte(testSecret), unknown),
			expectedCode: http.StatusBadRequest,
			expectedBody: "Unknown action\n",
		},
		{
			name:         "handler error",
			body:         valid,
			signature:    signer.ComputeHMAC([]byte(testSecret), valid),
			err:          errors.New("begin-cycle is not permitted on a lobby node"),
			expectedCode: http.StatusInternalServerError,
			dispatched:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &fakeNode{status: tt.status, err: tt.err}
			router := NewRouter(NewAPIServerOptions{Secret: testSecret, Node: node})

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, signedRequest(t, tt.body, tt.signature))

			assert.Equal(t, tt.expectedCode, rec.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, rec.Body.String())
			}
			assert.Len(t, node.Dispatched(), tt.dispatched)
		})
	}
}

func TestRPC_MethodNotAllowed(t *testing.T) {
	router := NewRouter(NewAPIServerOptions{Secret: testSecret, Node: &fakeNode{}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRPC_DuplicateIsNotDispatchedAgain(t *testing.T) {
	node := &fakeNode{}
	router := NewRouter(NewAPIServerOptions{
		Secret: testSecret,
		Node:   node,
		Dedupe: messages.NewDedupe(messages.NewDedupeOptions{}),
	})
	body := encode(t, messages.NewMessage(messages.ActionWorldReady, uuid.Nil))
	signature := signer.ComputeHMAC([]byte(testSecret), body)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, signedRequest(t, body, signature))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Len(t, node.Dispatched(), 1)
}

func TestRPC_FailedDispatchCanBeRetried(t *testing.T) {
	node := &fakeNode{err: errors.New("loop stopped")}
	router := NewRouter(NewAPIServerOptions{
		Secret: testSecret,
		Node:   node,
		Dedupe: messages.NewDedupe(messages.NewDedupeOptions{}),
	})
	body := encode(t, messages.NewMessage(messages.ActionMovePlayers, uuid.Nil))
	signature := signer.ComputeHMAC([]byte(testSecret), body)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body, signature))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	node.lock.Lock()
	node.err = nil
	node.lock.Unlock()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body, signature))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, node.Dispatched(), 2)
}

func TestRPC_RateLimit(t *testing.T) {
	node := &fakeNode{}
	router := NewRouter(NewAPIServerOptions{Secret: testSecret, Node: node, RateLimitPerSecond: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		body := encode(t, messages.NewMessage(messages.ActionWorldReady, uuid.Nil))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, signedRequest(t, body, signer.ComputeHMAC([]byte(testSecret), body)))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Len(t, node.Dispatched(), 2)
}

func TestHealthAndStatus(t *testing.T) {
	router := NewRouter(NewAPIServerOptions{Secret: testSecret, Node: &fakeNode{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","role":"hardcore","cycleNumber":4,"playersOnline":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status cycle.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "hardcore_4", status.World)
	assert.Equal(t, types.RoleHardcore, status.Role)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListCycles(t *testing.T) {
	ctx := context.Background()
	repo, err := repositories.NewRepository(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer repo.Close(ctx)

	now := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.SaveCycle(ctx, &models.Cycle{
			CycleNumber: i,
			World:       "hardcore",
			Outcome:     models.OutcomeCompleted,
			StartedAt:   now,
			FinishedAt:  now,
		}))
	}
	router := NewRouter(NewAPIServerOptions{Secret: testSecret, Node: &fakeNode{}, Repository: repo})

	tests := []struct {
		name         string
		query        string
		expectedCode int
		expectedLen  int
	}{
		{name: "default limit", query: "", expectedCode: http.StatusOK, expectedLen: 3},
		{name: "limit", query: "?limit=2", expectedCode: http.StatusOK, expectedLen: 2},
		{name: "invalid limit", query: "?limit=abc", expectedCode: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", expectedCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cycles"+tt.query, nil))
			require.Equal(t, tt.expectedCode, rec.Code)
			if tt.expectedCode != http.StatusOK {
				return
			}
			var cycles []*models.Cycle
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cycles))
			assert.Len(t, cycles, tt.expectedLen)
			assert.Equal(t, 3, cycles[0].CycleNumber)
		})
	}
}

func TestLatestCycle(t *testing.T) {
	ctx := context.Background()
	repo, err := repositories.NewRepository(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer repo.Close(ctx)
	router := NewRouter(NewAPIServerOptions{Secret: testSecret, Node: &fakeNode{}, Repository: repo})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cycles/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	now := time.Now()
	for i := 1; i <= 2; i++ {
		require.NoError(t, repo.SaveCycle(ctx, &models.Cycle{
			CycleNumber: i,
			World:       "hardcore",
			Outcome:     models.OutcomeCompleted,
			StartedAt:   now,
			FinishedAt:  now,
		}))
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cycles/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cycle models.Cycle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cycle))
	assert.Equal(t, 2, cycle.CycleNumber)
}
