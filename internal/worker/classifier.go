package worker

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/iTrooz/shellcache-proxy/internal/cache/httpcache"
)

// ModeNavigate is the request mode of top-level page loads
const ModeNavigate = "navigate"

// Request describes an intercepted request
type Request struct {
	Method string
	URL    *url.URL
	// e.g. "navigate", "cors", "no-cors"
	Mode   string
	Header http.Header
	Body   []byte
}

// Navigation reports whether the navigation flag is set
func (r *Request) Navigation() bool {
	return r.Mode == ModeNavigate
}

// Key returns the cache key of the request URL
func (r *Request) Key() string {
	return httpcache.GenerateKey(r.URL)
}

// Class is the category a request is resolved by
type Class int

const (
	ClassNavigation Class = iota
	ClassSameOrigin
	ClassAllowListedCDN
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassSameOrigin:
		return "same-origin"
	case ClassAllowListedCDN:
		return "allow-listed-cdn"
	case ClassOther:
		return "other"
	}
	return "unknown"
}

// Classifier maps requests to classes. It holds no mutable state.
type Classifier struct {
	origin    *url.URL
	allowList map[string]struct{}
}

func NewClassifier(origin *url.URL, allowList []string) *Classifier {
	hosts := make(map[string]struct{}, len(allowList))
	for _, host := range allowList {
		hosts[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
	}
	return &Classifier{
		origin:    origin,
		allowList: hosts,
	}
}

// Classify returns the class of req. Navigation wins over every other class.
func (c *Classifier) Classify(req *Request) Class {
	if isNavigation(req) {
		return ClassNavigation
	}
	if sameOrigin(req.URL, c.origin) {
		return ClassSameOrigin
	}
	if _, ok := c.allowList[strings.ToLower(req.URL.Hostname())]; ok {
		return ClassAllowListedCDN
	}
	return ClassOther
}

func isNavigation(req *Request) bool {
	if req.Navigation() {
		return true
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// sameOrigin compares scheme, host and port, with default ports made explicit
func sameOrigin(a, b *url.URL) bool {
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
