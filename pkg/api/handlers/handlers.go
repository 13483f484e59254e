package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/cbodonnell/worldcycle/pkg/api/middleware"
	"github.com/cbodonnell/worldcycle/pkg/cycle"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/cbodonnell/worldcycle/pkg/repositories"
)

const transportHTTP = "http"

// Node is the part of cycle.Node the endpoint serves.
type Node interface {
	Dispatch(ctx context.Context, m messages.Message, wait bool) (cycle.DispatchStatus, error)
	Status(ctx context.Context) (cycle.Status, error)
	Health() cycle.Health
}

// HandleRPC dispatches a verified peer RPC and waits for local completion.
// A message id seen before is acknowledged without dispatching it again.
func HandleRPC(node Node, dedupe *messages.Dedupe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := r.Context().Value(middleware.BodyContextKey).([]byte)
		if !ok {
			var err error
			if body, err = io.ReadAll(io.LimitReader(r.Body, middleware.MaxBodyBytes)); err != nil {
				http.Error(w, "Failed to read body", http.StatusBadRequest)
				return
			}
		}

		m, err := messages.DecodeBody(body)
		if err != nil {
			log.Warn("rejecting rpc: %v", err)
			metrics.RPCReceivedTotal.WithLabelValues(transportHTTP, "unknown", "bad_request").Inc()
			if messages.IsUnknownAction(err) {
				http.Error(w, "Unknown action", http.StatusBadRequest)
				return
			}
			http.Error(w, "Malformed body", http.StatusBadRequest)
			return
		}

		if dedupe != nil && dedupe.Seen(m) {
			log.Info("acknowledging duplicate %s %s", m.Action, m.ID)
			metrics.RPCReceivedTotal.WithLabelValues(transportHTTP, m.Action.String(), "duplicate").Inc()
			writeText(w, http.StatusOK, "OK")
			return
		}

		status, err := node.Dispatch(r.Context(), m, true)
		if err != nil {
			log.Error("failed to dispatch %s: %v", m.Action, err)
			if dedupe != nil {
				dedupe.Forget(m.ID)
			}
			metrics.RPCReceivedTotal.WithLabelValues(transportHTTP, m.Action.String(), "error").Inc()
			http.Error(w, "Failed to dispatch", http.StatusInternalServerError)
			return
		}

		metrics.RPCReceivedTotal.WithLabelValues(transportHTTP, m.Action.String(), status.String()).Inc()
		if status == cycle.DispatchAccepted {
			writeText(w, http.StatusAccepted, "ACCEPTED")
			return
		}
		writeText(w, http.StatusOK, "OK")
	}
}

func HandleHealth(node Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, node.Health())
	}
}

func HandleStatus(node Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := node.Status(r.Context())
		if err != nil {
			log.Error("failed to get status: %v", err)
			http.Error(w, "Failed to get status", http.StatusInternalServerError)
			return
		}
		writeJSON(w, status)
	}
}

func HandleListCycles(repository repositories.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := repositories.DefaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		cycles, err := repository.ListCycles(r.Context(), limit)
		if err != nil {
			log.Error("failed to list cycles: %v", err)
			http.Error(w, "Failed to list cycles", http.StatusInternalServerError)
			return
		}
		writeJSON(w, cycles)
	}
}

// HandleLatestCycle answers 404 until a cycle has been recorded.
func HandleLatestCycle(repository repositories.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cycle, err := repository.LatestCycle(r.Context())
		if err != nil {
			if repositories.IsNotFound(err) {
				http.Error(w, "No cycle recorded", http.StatusNotFound)
				return
			}
			log.Error("failed to get latest cycle: %v", err)
			http.Error(w, "Failed to get latest cycle", http.StatusInternalServerError)
			return
		}
		writeJSON(w, cycle)
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, text)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
