// Package middleware holds endpoint processors shared by the zkauth API.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/zkauth/endpoint"
)

// APIHeadersProcessor sets response headers suited to a JSON auth API and
// answers CORS preflight requests.
//
// Defaults from NewAPIHeadersProcessor:
//   - Cache-Control: no-store (responses carry codes and key material)
//   - Referrer-Policy: no-referrer
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Strict-Transport-Security: max-age=31536000; includeSubDomains
type APIHeadersProcessor struct {
	// HSTSMaxAge is the Strict-Transport-Security max-age in seconds.
	// Zero disables the header.
	HSTSMaxAge int

	// Headers are set verbatim on every response.
	Headers map[string]string

	// CORS configures cross-origin access. Nil disables CORS headers.
	CORS *CORSConfig
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists allowed origins. "*" allows any origin unless
	// AllowCredentials is set.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is how long (in seconds) preflight results may be cached.
	MaxAge int
}

// APIHeadersOption configures an APIHeadersProcessor.
type APIHeadersOption func(*APIHeadersProcessor)

// NewAPIHeadersProcessor returns a processor with the defaults listed on
// APIHeadersProcessor.
func NewAPIHeadersProcessor(opts ...APIHeadersOption) *APIHeadersProcessor {
	p := &APIHeadersProcessor{
		HSTSMaxAge: 31536000,
		Headers: map[string]string{
			"Cache-Control":           "no-store",
			"Referrer-Policy":         "no-referrer",
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithoutHSTS disables the Strict-Transport-Security header, for plain-HTTP
// development servers.
func WithoutHSTS() APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		p.HSTSMaxAge = 0
	}
}

// WithCORS allows cross-origin requests from origins. Methods default to GET,
// POST and OPTIONS; headers to Accept and Content-Type.
func WithCORS(origins ...string) APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		if len(origins) == 0 {
			p.CORS = nil
			return
		}
		p.CORS = &CORSConfig{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         3600,
		}
	}
}

// Process implements endpoint.Processor.
func (p *APIHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}

	if p.CORS != nil {
		setCORSHeaders(w, r, p.CORS)
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}
	return next(w, r)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Add("Vary", "Origin")

	switch {
	case slices.Contains(config.AllowedOrigins, origin):
		h.Set("Access-Control-Allow-Origin", origin)
	case slices.Contains(config.AllowedOrigins, "*") && !config.AllowCredentials:
		// A wildcard is never combined with credentials.
		h.Set("Access-Control-Allow-Origin", "*")
	default:
		return
	}

	if config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if r.Method == http.MethodOptions {
		if len(config.AllowedMethods) > 0 {
			h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
		}
		if len(config.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
		}
		if config.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*APIHeadersProcessor)(nil)
