package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/directserve/endpoint"
)

// SecurityHeadersProcessor sets response security headers and, when CORS is
// configured, answers preflight requests.
//
// The defaults suit an Ext.Direct application: the client posts file
// uploads through a hidden iframe on the same origin, so framing is limited
// to the same origin rather than denied outright.
type SecurityHeadersProcessor struct {
	// HSTSMaxAge is the Strict-Transport-Security max-age in seconds; 0
	// omits the header.
	HSTSMaxAge            int
	HSTSIncludeSubDomains bool

	ReferrerPolicy        string
	FrameOptions          string
	ContentTypeOptions    bool
	ContentSecurityPolicy string
	CrossOriginOpener     string
	CrossOriginResource   string

	CORS *CORSConfig
}

// CORSConfig configures cross-origin access to the router.
type CORSConfig struct {
	// AllowedOrigins lists exact origins, or "*" for any origin without
	// credentials.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewSecurityHeadersProcessor returns a processor with defaults for pages
// and endpoints of an Ext.Direct application.
func NewSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTSMaxAge:            31536000,
		HSTSIncludeSubDomains: true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FrameOptions:          "SAMEORIGIN",
		ContentTypeOptions:    true,
		ContentSecurityPolicy: "default-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'self'",
		CrossOriginOpener:     "same-origin",
		CrossOriginResource:   "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTS sets the HSTS max-age; 0 disables the header.
func WithHSTS(maxAge int, includeSubDomains bool) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTSMaxAge = maxAge
		p.HSTSIncludeSubDomains = includeSubDomains
	}
}

// WithFrameOptions sets X-Frame-Options.
func WithFrameOptions(v string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.FrameOptions = v }
}

// WithCSP sets Content-Security-Policy.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.ContentSecurityPolicy = policy }
}

// WithCORS enables CORS handling.
func WithCORS(cfg *CORSConfig) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.CORS = cfg }
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		v := "max-age=" + strconv.Itoa(p.HSTSMaxAge)
		if p.HSTSIncludeSubDomains {
			v += "; includeSubDomains"
		}
		h.Set("Strict-Transport-Security", v)
	}
	setIf(h, "Referrer-Policy", p.ReferrerPolicy)
	setIf(h, "X-Frame-Options", p.FrameOptions)
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	setIf(h, "Content-Security-Policy", p.ContentSecurityPolicy)
	setIf(h, "Cross-Origin-Opener-Policy", p.CrossOriginOpener)
	setIf(h, "Cross-Origin-Resource-Policy", p.CrossOriginResource)

	if p.CORS != nil && p.CORS.apply(h, r) && isPreflight(r) {
		return endpoint.Error(http.StatusNoContent, "", nil)
	}
	return next(w, r)
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// apply sets the CORS headers for r and reports whether its origin is
// allowed.
func (c *CORSConfig) apply(h http.Header, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	h.Add("Vary", "Origin")

	switch {
	case slices.Contains(c.AllowedOrigins, origin):
		h.Set("Access-Control-Allow-Origin", origin)
	case slices.Contains(c.AllowedOrigins, "*") && !c.AllowCredentials:
		h.Set("Access-Control-Allow-Origin", "*")
	default:
		return false
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if isPreflight(r) {
		methods := c.AllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost}
		}
		h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
		if len(c.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
		} else if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
			h.Set("Access-Control-Allow-Headers", req)
		}
		if c.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAge))
		}
	}
	return true
}
