// Package transport owns the single long-lived HTTP session shared by
// every protocol package against one RegistryEndpoint. It never
// retries; retry policy belongs to the callers (pkg/blob, pkg/manifest
// and pkg/catalog, through pkg/retry).
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cagojeiger/regpush/pkg/regerr"
)

// Endpoint describes the registry this Session talks to.
type Endpoint struct {
	// BaseURL is the registry root, no trailing slash (e.g.
	// "http://registry.internal:5000").
	BaseURL string
	// RequestTimeout bounds a single HTTP request, not a whole push.
	// Zero means the default of 300s.
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 300 * time.Second

// Session is the one connection pool an Endpoint owns for its whole
// lifetime. It is safe for concurrent use by many in-flight pushes.
type Session struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
}

// New builds a Session with keep-alives enabled, at most 30 connections
// per host and at most 100 idle connections kept in total (there is no
// separate cap on open connections across hosts), mirroring the
// transport tuning in
// pull_tool/pkg/transport/cachedblob/transport.go's RoundTripper
// wrapping style (this Session wraps http.DefaultTransport's shape
// directly rather than composing another RoundTripper, since there is
// no caching concern here).
func New(ep Endpoint) (*Session, error) {
	base, err := url.Parse(ep.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint base_url %q: %w", ep.BaseURL, err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	timeout := ep.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	rt := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 30,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Session{
		base:    base,
		client:  &http.Client{Transport: rt},
		timeout: timeout,
	}, nil
}

// Response is the normalized shape every Session call returns. Header
// is case-insensitive (http.Header already folds lookups). Body must
// be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Location returns the Location header exactly as the registry sent
// it — relative or absolute. Callers resolve it via Session.Resolve
// before reuse.
func (r *Response) Location() string { return r.Header.Get("Location") }

// Resolve joins ref against the endpoint's base URL if ref is
// relative; an absolute ref is returned unchanged. Every consumer of a
// Location header must call this before issuing the next request.
func (s *Session) Resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing location %q: %w", ref, err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	return s.base.ResolveReference(u).String(), nil
}

// URL builds an absolute request URL for a /v2/ path segment relative
// to the endpoint's base, e.g. "/v2/app/blobs/uploads/".
func (s *Session) URL(path string) string {
	u := *s.base
	u.Path = u.Path + path
	return u.String()
}

// Do issues one HTTP request and returns its normalized response. url
// may be absolute (e.g. a resolved Location) or a path under base.
// headers are added verbatim; Do never retries and never follows
// redirects beyond what net/http does by default for the method given.
func (s *Session) Do(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*Response, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = s.URL(target)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, target, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, regerr.Timeout(method + " " + target)
		}
		return nil, regerr.RegistryUnreachable(err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (s *Session) Get(ctx context.Context, target string, headers map[string]string) (*Response, error) {
	return s.Do(ctx, http.MethodGet, target, nil, headers)
}

func (s *Session) Head(ctx context.Context, target string, headers map[string]string) (*Response, error) {
	return s.Do(ctx, http.MethodHead, target, nil, headers)
}

func (s *Session) Post(ctx context.Context, target string, body io.Reader, headers map[string]string) (*Response, error) {
	return s.Do(ctx, http.MethodPost, target, body, headers)
}

func (s *Session) Patch(ctx context.Context, target string, body io.Reader, headers map[string]string) (*Response, error) {
	return s.Do(ctx, http.MethodPatch, target, body, headers)
}

func (s *Session) Put(ctx context.Context, target string, body io.Reader, headers map[string]string) (*Response, error) {
	return s.Do(ctx, http.MethodPut, target, body, headers)
}

func (s *Session) Delete(ctx context.Context, target string, headers map[string]string) (*Response, error) {
	return s.Do(ctx, http.MethodDelete, target, nil, headers)
}

// Close idles out the connection pool. Safe to call once all
// outstanding requests have completed.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// Ping probes GET /v2/.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.Get(ctx, "/v2/", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusOK {
		return regerr.RegistryProtocolError(resp.Status, "")
	}
	return nil
}
