package httpx

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpproxy"
)

// ProxySettings selects the outbound proxy. When Enabled is false requests go
// direct, ignoring HTTP_PROXY and friends in the environment.
type ProxySettings struct {
	Enabled    bool
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// ProxyFunc returns the function for http.Transport.Proxy, or nil for direct
// connections. HTTPS traffic falls back to HTTPProxy when HTTPSProxy is empty.
func (p ProxySettings) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if !p.Enabled {
		return nil
	}
	httpProxy := strings.TrimSpace(p.HTTPProxy)
	httpsProxy := strings.TrimSpace(p.HTTPSProxy)
	if httpsProxy == "" {
		httpsProxy = httpProxy
	}
	if httpProxy == "" && httpsProxy == "" {
		return nil
	}
	cfg := &httpproxy.Config{
		HTTPProxy:  httpProxy,
		HTTPSProxy: httpsProxy,
		NoProxy:    strings.TrimSpace(p.NoProxy),
	}
	fn := cfg.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return fn(req.URL)
	}
}
