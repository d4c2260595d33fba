// Package httpx builds the outbound HTTP client: base transport with proxy
// settings, an optional egress allow list and bearer authentication.
package httpx

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Options configures NewClient.
type Options struct {
	// APIKey is sent as a bearer token when non-empty.
	APIKey       string
	Proxy        ProxySettings
	EgressStrict bool
	AllowHosts   []string
	// Timeout bounds the whole exchange; zero means no limit, which is what
	// streaming responses need.
	Timeout time.Duration
	// Base replaces the default transport, mainly for tests.
	Base http.RoundTripper
}

// NewTransport composes base transport, egress guard and bearer auth.
func NewTransport(opts Options) http.RoundTripper {
	var rt http.RoundTripper
	if opts.Base != nil {
		rt = opts.Base
	} else {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.Proxy = opts.Proxy.ProxyFunc()
		t.ResponseHeaderTimeout = 60 * time.Second
		rt = t
	}
	if opts.EgressStrict {
		rt = NewEgressGuard(rt, opts.AllowHosts)
	}
	if opts.APIKey != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey, TokenType: "Bearer"}),
			Base:   rt,
		}
	}
	return rt
}

// NewClient returns an *http.Client using NewTransport.
func NewClient(opts Options) *http.Client {
	return &http.Client{Transport: NewTransport(opts), Timeout: opts.Timeout}
}
