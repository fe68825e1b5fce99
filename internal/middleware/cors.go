package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/upload-relay/internal/config"
)

const (
	allowOriginHeader     = "Access-Control-Allow-Origin"
	allowMethodsHeader    = "Access-Control-Allow-Methods"
	allowHeadersHeader    = "Access-Control-Allow-Headers"
	requestHeadersHeader  = "Access-Control-Request-Headers"
	allowCredentialsHdr   = "Access-Control-Allow-Credentials"
	exposeHeadersHeader   = "Access-Control-Expose-Headers"
	maxAgeHeader          = "Access-Control-Max-Age"
	defaultAllowedMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"
)

// CORSConfig describes the cross-origin policy. The zero value allows any
// origin with the common methods.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// CORSFromConfig maps loaded cors settings onto a CORSConfig.
func CORSFromConfig(c config.CORSConfig) CORSConfig {
	return CORSConfig{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		ExposedHeaders:   c.ExposedHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

// CORSHeaders lists every header CORS writes, so upstream copies can be
// dropped before ours are applied.
var CORSHeaders = []string{
	allowOriginHeader,
	allowMethodsHeader,
	allowHeadersHeader,
	allowCredentialsHdr,
	exposeHeadersHeader,
	maxAgeHeader,
}

// CORS sets cross-origin headers on every response and answers every OPTIONS
// request with 204 without calling next.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	if len(origins) == 0 {
		origins["*"] = true
	}
	methods := defaultAllowedMethods
	if len(cfg.AllowedMethods) > 0 {
		methods = strings.Join(cfg.AllowedMethods, ",")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			switch {
			case origins["*"] && (!cfg.AllowCredentials || origin == ""):
				h.Set(allowOriginHeader, "*")
			case origin != "" && (origins["*"] || origins[origin]):
				h.Set(allowOriginHeader, origin)
				h.Add("Vary", "Origin")
			}
			if cfg.AllowCredentials {
				h.Set(allowCredentialsHdr, "true")
			}
			if len(cfg.ExposedHeaders) > 0 {
				h.Set(exposeHeadersHeader, strings.Join(cfg.ExposedHeaders, ","))
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			h.Set(allowMethodsHeader, methods)
			if len(cfg.AllowedHeaders) > 0 {
				h.Set(allowHeadersHeader, strings.Join(cfg.AllowedHeaders, ","))
			} else if reqHeaders := r.Header.Get(requestHeadersHeader); reqHeaders != "" {
				h.Set(allowHeadersHeader, reqHeaders)
				h.Add("Vary", requestHeadersHeader)
			}
			if cfg.MaxAge > 0 {
				h.Set(maxAgeHeader, strconv.Itoa(cfg.MaxAge))
			}
			h.Set("Content-Length", "0")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
