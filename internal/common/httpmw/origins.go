package httpmw

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is the set of trusted cross-origin callers: an explicit list plus
// an optional regular expression. "*" in the list trusts everyone.
type Origins struct {
	list    map[string]struct{}
	any     bool
	pattern *regexp.Regexp
}

// NewOrigins compiles the trusted origin configuration.
func NewOrigins(list []string, pattern string) (*Origins, error) {
	o := &Origins{list: make(map[string]struct{}, len(list))}
	for _, origin := range list {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			o.any = true
			continue
		}
		if origin != "" {
			o.list[origin] = struct{}{}
		}
	}
	if pattern != "" {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid trusted origin regex: %w", err)
		}
		o.pattern = re
	}
	return o, nil
}

// Allowed reports whether origin is trusted.
func (o *Origins) Allowed(origin string) bool {
	if o == nil || origin == "" {
		return false
	}
	if o.any {
		return true
	}
	if _, ok := o.list[origin]; ok {
		return true
	}
	return o.pattern != nil && o.pattern.MatchString(origin)
}

// CheckWebSocketOrigin accepts requests without an Origin header, local
// development origins, same-host origins and trusted origins. It rejects
// everything else to prevent cross-site websocket hijacking.
func (o *Origins) CheckWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if strings.EqualFold(u.Hostname(), hostOnly(r.Host)) {
		return true
	}
	return o.Allowed(origin)
}

// CORS answers preflights and tags responses for trusted origins with
// credentials allowed. Preflights from untrusted origins are rejected.
func CORS(origins *Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if origin == "" {
			c.Next()
			return
		}
		if !origins.Allowed(origin) {
			if preflight {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "Disallowed CORS origin"})
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if preflight {
			h.Set("Access-Control-Allow-Methods", "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT")
			if req := c.GetHeader("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			}
			h.Set("Access-Control-Max-Age", strconv.Itoa(600))
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// TrustedHosts rejects requests whose Host is not listed. Entries may be
// exact hosts or "*.domain" wildcards; an empty list or "*" allows all.
func TrustedHosts(hosts []string) gin.HandlerFunc {
	allowAll := len(hosts) == 0
	for _, h := range hosts {
		if h == "*" {
			allowAll = true
		}
	}
	return func(c *gin.Context) {
		if allowAll || hostAllowed(hosts, hostOnly(c.Request.Host)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "Invalid host header"})
	}
}

func hostAllowed(hosts []string, host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range hosts {
		pattern = strings.ToLower(pattern)
		if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(host, "[]")
	}
	return strings.Trim(hostport, "[]")
}
