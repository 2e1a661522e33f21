// Observability HTTP server for the page store: Prometheus metrics, a
// health endpoint backed by the live allocator, and pprof.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagestore/internal/logger"
)

// HealthReporter is the slice of TransactionalMemory the health endpoint
// needs. Declared here rather than importing pkg/pagestore so a fake can
// stand in for tests without constructing a real mapping.
type HealthReporter interface {
	GetLastCommittedTransactionID() uint64
	CountFreePages() (int, error)
}

// ObservabilityServer provides HTTP endpoints for metrics and profiling
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
	mem    HealthReporter
}

// NewObservabilityServer creates a new HTTP server for observability. mem
// backs /health with live allocator state; it may be nil, in which case
// /health reports status without the page-store fields.
func NewObservabilityServer(port int, log *logger.Logger, mem HealthReporter) *ObservabilityServer {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint, backed by the allocator's own view of itself
	// rather than a static payload: a caller polling /health can tell a
	// live page store apart from one that merely accepted the TCP
	// connection.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"status": "healthy", "service": "pagestore"}
		code := http.StatusOK

		if mem != nil {
			freePages, err := mem.CountFreePages()
			if err != nil {
				payload["status"] = "degraded"
				payload["error"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				payload["free_pages"] = freePages
			}
			payload["last_committed_transaction_id"] = mem.GetLastCommittedTransactionID()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(payload)
	})

	// Readiness check endpoint
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &ObservabilityServer{
		server: server,
		log:    log,
		mem:    mem,
	}
}

// Start starts the observability HTTP server
func (o *ObservabilityServer) Start() error {
	o.log.Info("starting observability server").
		Str("addr", o.server.Addr).
		Msg("observability endpoints available")

	o.log.Info("endpoints").
		Str("metrics", fmt.Sprintf("http://%s/metrics", o.server.Addr)).
		Str("health", fmt.Sprintf("http://%s/health", o.server.Addr)).
		Str("pprof", fmt.Sprintf("http://%s/debug/pprof/", o.server.Addr)).
		Send()

	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observability server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the observability server
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("shutting down observability server").Send()
	return o.server.Shutdown(ctx)
}
