// Package httpapi exposes the proxy's external interface (spec.md §6):
// the chat/completions endpoint the coordinator sits behind, a
// model-listing passthrough, and the metrics endpoint. Its Server type and
// graceful-shutdown ListenAndServe are grounded on the pack's
// pario-ai-pario/pkg/proxy/proxy.go Server/New/ListenAndServe.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/flowlayer/kvcacheproxy/internal/apierr"
	"github.com/flowlayer/kvcacheproxy/internal/config"
	"github.com/flowlayer/kvcacheproxy/internal/coordinator"
	"github.com/flowlayer/kvcacheproxy/internal/metrics"
	"github.com/flowlayer/kvcacheproxy/internal/modelcatalog"
	"github.com/flowlayer/kvcacheproxy/internal/ratelimit"
	"github.com/flowlayer/kvcacheproxy/internal/upstream"
)

// Server is the kvcacheproxy HTTP frontend.
type Server struct {
	cfg      *config.Config
	coord    *coordinator.Coordinator
	upstream *upstream.Client
	limiter  ratelimit.Limiter
	mux      *http.ServeMux
}

// New wires a Server. limiter may be nil, in which case rate limiting is
// skipped regardless of cfg.RateLimitRPS (the serve command passes nil when
// rate limiting is disabled or PROXY_REDIS_ADDR is unreachable at startup).
func New(cfg *config.Config, coord *coordinator.Coordinator, client *upstream.Client, limiter ratelimit.Limiter) *Server {
	s := &Server{
		cfg:      cfg,
		coord:    coord,
		upstream: client,
		limiter:  limiter,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/chat/completions", s.withRateLimit(s.handleChatCompletions))
	s.mux.HandleFunc("/v1/completions", s.withRateLimit(s.handleChatCompletions))
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/v1/{model}/slots", s.handleSlots)
	s.mux.HandleFunc("/metrics", metrics.Handler().ServeHTTP)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server on cfg.Port, shutting down gracefully
// when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("httpapi_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// withRateLimit applies the ambient per-client request budget ahead of the
// coordinator, keyed on X-Client-Id if present, else the caller's IP, per
// SPEC_FULL.md's Ambient Stack rate limiter.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.cfg.RateLimitRPS <= 0 {
			next(w, r)
			return
		}
		key := r.Header.Get("X-Client-Id")
		if key == "" {
			key = clientIP(r)
		}
		ok, err := ratelimit.Allow(r.Context(), s.limiter, key, s.cfg.RateLimitRPS)
		if err != nil {
			klog.ErrorS(err, "rate_limit_check_failed", "key", key)
		}
		if !ok {
			writeJSONError(w, apierr.New(apierr.ServiceUnavailable, "rate limit exceeded, retry later"))
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.upstream.PassthroughModels(r.Context())
	if err != nil {
		klog.ErrorS(err, "passthrough_models_failed")
		writeJSONError(w, apierr.New(apierr.BadGateway, "upstream backend unreachable"))
		return
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	resp := modelcatalog.Build(ids, "kvcacheproxy")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		klog.ErrorS(err, "encode_models_response_failed")
	}
}

// handleSlots exposes the backend's slot-inspection endpoint under a
// model-scoped path, per spec.md §6 ("a slot-inspection endpoint is exposed
// under a model-scoped path"), delegating straight to the Upstream Client's
// list_slots call rather than adding a second code path that talks to the
// backend.
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	slots, err := s.upstream.ListSlots(r.Context(), model)
	if err != nil {
		klog.ErrorS(err, "list_slots_failed", "model", model)
		writeJSONError(w, apierr.New(apierr.BadGateway, "upstream backend unreachable"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(slots); err != nil {
		klog.ErrorS(err, "encode_slots_response_failed")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeJSONError writes the spec.md §7 error envelope, grounded on the
// pack's pario-ai-pario/pkg/proxy/proxy.go writeJSONError, generalized to
// carry an apierr.Kind-derived "type" field instead of a fixed string.
func writeJSONError(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusCode(err))
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q}}`, err.Message, apierr.TypeString(err))
}
