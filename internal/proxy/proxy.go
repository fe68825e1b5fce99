// Package proxy implements the reverse-proxy mode: every request is sent to a
// fixed upstream URL with its path replaced by the configured target path.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/metrics"
	"github.com/JakeFAU/upload-relay/internal/middleware"
)

// ackPath is answered locally and never proxied.
const ackPath = "/response"

// Config describes the upstream.
type Config struct {
	TargetBaseURL string
	TargetPath    string
	// Timeout bounds the wait for upstream response headers.
	Timeout time.Duration
	CORS    middleware.CORSConfig
}

// Server is the proxy-mode HTTP handler.
type Server struct {
	router chi.Router
	target *url.URL
	path   string
	proxy  *httputil.ReverseProxy
	logger *zap.Logger
	ready  atomic.Bool
}

// New builds the proxy. transport may be nil to use a clone of
// http.DefaultTransport.
func New(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*Server, error) {
	target, err := url.Parse(cfg.TargetBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse target base url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("target base url %q must be an absolute http(s) URL", cfg.TargetBaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.Timeout
		transport = t
	}

	s := &Server{
		target: target,
		path:   joinPath(target.Path, cfg.TargetPath),
		logger: logger,
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		Transport:      transport,
		ModifyResponse: s.modifyResponse,
		ErrorHandler:   s.errorHandler,
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Handle("/*", http.HandlerFunc(s.serve))

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady toggles the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path == ackPath {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(s.target)
	pr.Out.URL.Path = s.path
	pr.Out.URL.RawPath = ""
	pr.SetXForwarded()
	if id := middleware.GetRequestID(pr.In.Context()); id != "" {
		pr.Out.Header.Set(middleware.RequestIDHeader, id)
	}
}

// modifyResponse drops upstream CORS headers so only ours reach the client.
func (s *Server) modifyResponse(resp *http.Response) error {
	for _, h := range middleware.CORSHeaders {
		resp.Header.Del(h)
	}
	metrics.ObserveProxy(resp.StatusCode)
	return nil
}

func (s *Server) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		s.logger.Debug("client went away before upstream answered", zap.String("path", r.URL.Path))
		return
	}
	metrics.ObserveProxy(http.StatusBadGateway)
	s.logger.Error("proxy upstream failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("upstream", s.target.Host),
		zap.Error(err),
	)
	middleware.WriteError(w, http.StatusBadGateway, "upstream request failed")
}

func joinPath(base, target string) string {
	if target == "" {
		target = "/"
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return base + target
}
