package offlinecache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	recorder "github.com/always-cache/offline-cache/pkg/response-recorder"
)

// Fetcher performs network requests on behalf of the cache.
// Any HTTP response, whatever its status, is a successful fetch.
// Only a failure to get a response at all is an error.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// OriginFetcher fetches from an origin server over HTTP.
type OriginFetcher struct {
	originURL  url.URL
	originHost string
	client     http.Client
}

// NewOriginFetcher returns a fetcher for the origin at originURL.
// Origins with paths are not supported.
// If originHost is set, it is used as the Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  originURL,
		originHost: originHost,
		client: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		f.client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

// Fetch forwards the request to the origin.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.originURL.Scheme + "://" + f.originURL.Host + r.URL.RequestURI()
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	req.Header.Del("Connection")
	req.Host = f.originHost
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return f.client.Do(req)
}

// HandlerFetcher uses an in-process handler as the network,
// which is how the cache is used as middleware.
type HandlerFetcher struct {
	Handler http.Handler
}

// Fetch serves the request with the handler and returns the recorded response.
// A panicking handler is a failed fetch.
func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("handler panicked: %v", p)
		}
	}()
	req := r.Clone(ctx)
	rec := recorder.New()
	f.Handler.ServeHTTP(rec, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rec.Result(req), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
