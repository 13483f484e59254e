package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cbodonnell/worldcycle/pkg/api/handlers"
	"github.com/cbodonnell/worldcycle/pkg/api/middleware"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/repositories"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIServer struct {
	server *http.Server
	tls    *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type NewAPIServerOptions struct {
	Addr string
	TLS  *TLSConfig
	// Secret signs /rpc bodies.
	Secret             string
	RateLimitPerSecond float64
	Node               handlers.Node
	// Dedupe is optional.
	Dedupe *messages.Dedupe
	// Repository is optional; /cycles and /cycles/latest are only served with one.
	Repository repositories.Repository
	// Bridge is optional; /relay is only served with one.
	Bridge http.Handler
}

// NewAPIServer creates a new http.Server for the peer RPC endpoint and the
// read-only operator routes.
func NewAPIServer(opts NewAPIServerOptions) *APIServer {
	return &APIServer{
		server: &http.Server{
			Addr:    opts.Addr,
			Handler: NewRouter(opts),
		},
		tls: opts.TLS,
	}
}

// NewRouter builds the routes without a listener.
func NewRouter(opts NewAPIServerOptions) http.Handler {
	signatureMiddleware := middleware.NewSignatureMiddleware(opts.Secret)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(opts.RateLimitPerSecond, int(opts.RateLimitPerSecond)+1)

	r := mux.NewRouter()
	r.Handle("/rpc", rateLimitMiddleware(signatureMiddleware(handlers.HandleRPC(opts.Node, opts.Dedupe)))).Methods(http.MethodPost)
	r.HandleFunc("/health", handlers.HandleHealth(opts.Node)).Methods(http.MethodGet)
	r.HandleFunc("/status", handlers.HandleStatus(opts.Node)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if opts.Repository != nil {
		r.HandleFunc("/cycles", handlers.HandleListCycles(opts.Repository)).Methods(http.MethodGet)
		r.HandleFunc("/cycles/latest", handlers.HandleLatestCycle(opts.Repository)).Methods(http.MethodGet)
	}
	if opts.Bridge != nil {
		r.Handle("/relay", opts.Bridge).Methods(http.MethodGet)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start serves until Stop is called.
func (s *APIServer) Start() error {
	var listenAndServe func() error
	if s.tls != nil {
		log.Info("API server listening on %s with TLS", s.server.Addr)
		listenAndServe = func() error {
			return s.server.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		}
	} else {
		log.Info("API server listening on %s", s.server.Addr)
		listenAndServe = s.server.ListenAndServe
	}
	if err := listenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("API server closed")
			return nil
		}
		log.Error("API server error: %v", err)
		return err
	}
	return nil
}

// Stop stops the APIServer
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
