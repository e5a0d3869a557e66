package httpmw

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultMaxAge is the HSTS max-age in seconds (one year).
const DefaultMaxAge = 31556926

type directive struct {
	name    string
	sources []string
}

var contentSecurityPolicy = []directive{
	{"default-src", []string{"'none'"}},
	{"style-src", []string{"'self'", "'unsafe-inline'", "https://cdn.jsdelivr.net/npm/"}},
	{"script-src", []string{"'self'", "'wasm-unsafe-eval'", "https://cdn.jsdelivr.net/npm/"}},
	{"img-src", []string{"*", "blob:", "data:"}},
	{"worker-src", []string{"'self'", "blob:"}},
	{"connect-src", []string{"*"}},
	{"font-src", []string{"'self'", "https://cdn.jsdelivr.net/npm/", "data:"}},
	{"manifest-src", []string{"'self'"}},
	{"media-src", []string{"'self'", "data:"}},
	{"frame-ancestors", []string{"'self'"}},
}

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	CSP      bool
	ForceSSL bool
	MaxAge   int
	// MainDomain lets pages on its subdomains frame the studio.
	MainDomain string
	// Exclude skips requests whose path matches any pattern.
	Exclude []*regexp.Regexp
}

// Policy renders the Content-Security-Policy header value.
func (o SecurityOptions) Policy() string {
	parts := make([]string, 0, len(contentSecurityPolicy))
	for _, d := range contentSecurityPolicy {
		sources := d.sources
		if d.name == "frame-ancestors" && o.MainDomain != "" {
			sources = []string{"*." + o.MainDomain}
		}
		parts = append(parts, d.name+" "+strings.Join(sources, " "))
	}
	return strings.Join(parts, "; ")
}

// SecurityHeaders adds the hardening headers to every HTTP response.
// Websocket upgrades and excluded paths pass through untouched.
func SecurityHeaders(o SecurityOptions) gin.HandlerFunc {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	policy := o.Policy()
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains", o.MaxAge)

	return func(c *gin.Context) {
		if isUpgrade(c) || excluded(o.Exclude, c.Request.URL.Path) {
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		if o.CSP {
			h.Set("Content-Security-Policy", policy)
		}
		if o.ForceSSL {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func excluded(patterns []*regexp.Regexp, path string) bool {
	for _, p := range patterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}
