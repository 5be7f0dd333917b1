package crawler

import (
	"net/http"
	"sync/atomic"
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
}

// UserAgentPool hands out user agents round-robin. The pool itself is
// read-only after construction, so it can be shared across streams.
type UserAgentPool struct {
	agents []string
	next   atomic.Uint64
}

// NewUserAgentPool copies agents into a pool, falling back to DefaultUserAgents.
func NewUserAgentPool(agents []string) *UserAgentPool {
	var cleaned []string
	for _, a := range agents {
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultUserAgents...)
	}
	return &UserAgentPool{agents: cleaned}
}

// Next returns the next user agent in rotation.
func (p *UserAgentPool) Next() string {
	n := p.next.Add(1) - 1
	return p.agents[n%uint64(len(p.agents))]
}

// Len returns the pool size.
func (p *UserAgentPool) Len() int {
	return len(p.agents)
}

// BrowserHeaders returns the request headers sent alongside a rotated agent.
func BrowserHeaders() http.Header {
	return http.Header{
		"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"},
		"Accept-Language":           {"en-US,en;q=0.9"},
		"Cache-Control":             {"max-age=0"},
		"Dnt":                       {"1"},
		"Upgrade-Insecure-Requests": {"1"},
		"Sec-Fetch-Dest":            {"document"},
		"Sec-Fetch-Mode":            {"navigate"},
		"Sec-Fetch-Site":            {"none"},
		"Sec-Fetch-User":            {"?1"},
	}
}
