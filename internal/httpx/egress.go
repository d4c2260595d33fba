package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEgressBlocked is returned for requests to hosts outside the allow list.
var ErrEgressBlocked = errors.New("egress blocked")

// DefaultAllowHosts is used when strict egress is on and no list is configured.
var DefaultAllowHosts = []string{"api.openai.com"}

// EgressGuard is a RoundTripper that only lets requests through to allowed
// hosts. An entry starting with "." allows every subdomain of it.
type EgressGuard struct {
	base  http.RoundTripper
	exact map[string]struct{}
	sufx  []string
}

// NewEgressGuard wraps base. A nil base uses http.DefaultTransport.
func NewEgressGuard(base http.RoundTripper, allowHosts []string) *EgressGuard {
	if base == nil {
		base = http.DefaultTransport
	}
	if len(allowHosts) == 0 {
		allowHosts = DefaultAllowHosts
	}
	g := &EgressGuard{base: base, exact: make(map[string]struct{}, len(allowHosts))}
	for _, h := range allowHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case h == "":
		case strings.HasPrefix(h, "."):
			g.sufx = append(g.sufx, h)
		default:
			g.exact[h] = struct{}{}
		}
	}
	return g
}

// Allowed reports whether host may be contacted.
func (g *EgressGuard) Allowed(host string) bool {
	host = strings.ToLower(host)
	if _, ok := g.exact[host]; ok {
		return true
	}
	for _, s := range g.sufx {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

func (g *EgressGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("%w: request without URL", ErrEgressBlocked)
	}
	host := req.URL.Hostname()
	if !g.Allowed(host) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrEgressBlocked, host)
	}
	return g.base.RoundTrip(req)
}
