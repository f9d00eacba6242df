package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/warden/internal/permission"
)

// Request is an outbound HTTP request made on behalf of a plugin.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the plugin-visible result of a fetch.
type Response struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Fetcher performs outbound requests.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// HTTPFetcher is the default Fetcher. Redirects are not followed so every
// hop goes back through the host check.
type HTTPFetcher struct {
	client       *http.Client
	maxBodyBytes int64
}

// NewHTTPFetcher creates a fetcher with a per-request timeout and body cap.
func NewHTTPFetcher(timeout time.Duration, maxBodyBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBodyBytes: maxBodyBytes,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBodyBytes)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &Response{Status: resp.StatusCode, Headers: headers, Body: string(data)}, nil
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
}

// Net exposes outbound HTTP.
//
//	fetch(url, method?, headers?, body?)  network, scoped by host
type Net struct {
	fetcher Fetcher
}

// NewNet creates the net service. A nil fetcher uses NewHTTPFetcher with
// a 10s timeout and a 1 MiB body cap.
func NewNet(fetcher Fetcher) *Net {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(10*time.Second, 1<<20)
	}
	return &Net{fetcher: fetcher}
}

// Name implements Service.
func (n *Net) Name() string { return "net" }

// Methods implements Service.
func (n *Net) Methods() map[string]Method {
	return map[string]Method{
		"fetch": {
			Params: []string{"url", "method", "headers", "body"},
			Kind:   permission.Network,
			Targets: func(args Args) ([]string, error) {
				u, err := fetchURL(args)
				if err != nil {
					return nil, err
				}
				return []string{u.Host}, nil
			},
			Call: n.fetch,
		},
	}
}

func fetchURL(args Args) (*url.URL, error) {
	raw, err := stringArg(args, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidArgs, u.Scheme)
	}
	if u.Host == "" || u.User != nil {
		return nil, fmt.Errorf("%w: url must have a host and no credentials", ErrInvalidArgs)
	}
	return u, nil
}

func (n *Net) fetch(ctx context.Context, _ Caller, args Args) (any, error) {
	u, err := fetchURL(args)
	if err != nil {
		return nil, err
	}
	method, err := optionalString(args, "method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	if !allowedMethods[method] {
		return nil, fmt.Errorf("%w: method %q", ErrInvalidArgs, method)
	}
	hdrs, err := mapArg(args, "headers")
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(hdrs))
	for k, v := range hdrs {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: header %q must be a string", ErrInvalidArgs, k)
		}
		headers[k] = s
	}
	body, err := optionalString(args, "body", "")
	if err != nil {
		return nil, err
	}

	resp, err := n.fetcher.Fetch(ctx, Request{Method: method, URL: u.String(), Headers: headers, Body: body})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	outHeaders := make(map[string]any, len(resp.Headers))
	for k, v := range resp.Headers {
		outHeaders[k] = v
	}
	return map[string]any{
		"status":  float64(resp.Status),
		"headers": outHeaders,
		"body":    resp.Body,
	}, nil
}
