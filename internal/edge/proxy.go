// Package edge maps project subdomains onto their build artifacts in object
// storage.
package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"

	"github.com/splax/deployx/internal/domain"
)

// BadGatewayMessage is the only body clients see when the upstream fails.
const BadGatewayMessage = "Bad Gateway: Could not connect to the upstream server."

var errUpstreamStatus = errors.New("edge: upstream rejected request")

type projectKey struct{}

// Proxy forwards <id>.<domain> requests to <base>/<id>.
type Proxy struct {
	base   *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// Option customizes a Proxy.
type Option func(*httputil.ReverseProxy)

// WithTransport overrides the upstream round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *httputil.ReverseProxy) {
		p.Transport = rt
	}
}

// New builds a proxy for the artifact base URL.
func New(baseURL string, logger *slog.Logger, opts ...Option) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse artifact base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("artifact base url %q must be absolute", baseURL)
	}
	initMetrics()
	p := &Proxy{base: base, logger: logger}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}
	for _, opt := range opts {
		opt(p.proxy)
	}
	return p, nil
}

// ProjectFromHost returns the leftmost DNS label of host when it is a valid
// project ID.
func ProjectFromHost(host string) (string, bool) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(strings.ToLower(host), ".")
	if domain.ValidateProjectID(label) != nil {
		return "", false
	}
	return label, true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ProjectFromHost(r.Host)
	if !ok {
		proxyRequests.WithLabelValues("invalid_host").Inc()
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if !cleanPath(r.URL.Path) {
		proxyRequests.WithLabelValues("invalid_path").Inc()
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	ctx := context.WithValue(r.Context(), projectKey{}, projectID)
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// cleanPath reports whether the decoded request path stays inside the
// project prefix: no ".." segment and nothing path.Clean would move.
func cleanPath(p string) bool {
	if p == "" {
		return true
	}
	if !strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	return strings.HasPrefix(path.Clean(p), "/")
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	projectID, _ := pr.In.Context().Value(projectKey{}).(string)
	target := *p.base
	target.Path = p.base.Path + "/" + projectID
	target.RawPath = ""
	if pr.Out.URL.Path == "" || pr.Out.URL.Path == "/" {
		pr.Out.URL.Path = "/index.html"
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(&target)
	pr.Out.Header.Del("Cookie")
	pr.Out.Header.Del("Authorization")
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", errUpstreamStatus, resp.StatusCode)
	}
	for name := range resp.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-amz-") {
			resp.Header.Del(name)
		}
	}
	resp.Header.Del("Server")
	proxyRequests.WithLabelValues("ok").Inc()
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	proxyRequests.WithLabelValues("upstream_error").Inc()
	projectID, _ := r.Context().Value(projectKey{}).(string)
	if p.logger != nil {
		p.logger.Warn("proxy error", "project_id", projectID, "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(BadGatewayMessage))
}
