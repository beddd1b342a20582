package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2beens/offlinecache/internal/classifier"
	"github.com/2beens/offlinecache/internal/resource"
	"github.com/2beens/offlinecache/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultMaxBodyBytes = 20 * 1024 * 1024

var ErrBodyTooLarge = errors.New("response body too large")

// headers never forwarded in either direction
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// request headers dropped so upstream always answers with a full, decoded body
var droppedRequestHeaders = []string{
	"Accept-Encoding",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// Fetcher performs the real network access for the engine and for installs.
// Requests for the app origin are sent to the upstream origin instead.
type Fetcher struct {
	httpClient   *http.Client
	upstream     *url.URL
	classifier   *classifier.Classifier
	maxBodyBytes int64
}

type Params struct {
	// HttpClient is optional, a traced client is built when nil.
	HttpClient   *http.Client
	Upstream     *url.URL
	Classifier   *classifier.Classifier
	MaxBodyBytes int64
}

func NewFetcher(params Params) (*Fetcher, error) {
	if params.Upstream == nil || params.Upstream.Scheme == "" || params.Upstream.Host == "" {
		return nil, errors.New("upstream url must be absolute")
	}
	if params.Classifier == nil {
		return nil, errors.New("classifier cannot be nil")
	}

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	if params.HttpClient != nil {
		clientCopy := *params.HttpClient
		httpClient = &clientCopy
	}
	// the page sees redirects as they are, and they are never cached
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	maxBodyBytes := params.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	return &Fetcher{
		httpClient:   httpClient,
		upstream:     params.Upstream,
		classifier:   params.Classifier,
		maxBodyBytes: maxBodyBytes,
	}, nil
}

// Target returns the URL actually requested for u.
func (f *Fetcher) Target(u *url.URL) *url.URL {
	target := *u
	target.Fragment = ""
	target.RawFragment = ""
	if !f.classifier.SameOrigin(u) {
		return &target
	}

	target.Scheme = f.upstream.Scheme
	target.Host = f.upstream.Host
	target.User = f.upstream.User
	if prefix := strings.TrimSuffix(f.upstream.Path, "/"); prefix != "" {
		target.Path = prefix + "/" + strings.TrimPrefix(u.Path, "/")
		target.RawPath = ""
	}
	return &target
}

func (f *Fetcher) responseType(u *url.URL) resource.ResponseType {
	switch {
	case f.classifier.SameOrigin(u):
		return resource.ResponseTypeBasic
	case f.classifier.IsCacheableHost(u):
		return resource.ResponseTypeCORS
	default:
		return resource.ResponseTypeOpaque
	}
}

func (f *Fetcher) Fetch(ctx context.Context, req *resource.Request) (_ *resource.Response, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "network.fetch")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if req.URL == nil {
		return nil, errors.New("request has no url")
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := f.Target(req.URL)
	span.SetAttributes(
		attribute.String("fetch.url", req.Key()),
		attribute.String("fetch.target", target.String()),
	)

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	copyHeader(httpReq.Header, req.Header)
	for _, h := range droppedRequestHeaders {
		httpReq.Header.Del(h)
	}

	log.Tracef("network: %s %s -> %s", method, req.Key(), target)

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}

	header := make(http.Header, len(httpResp.Header))
	copyHeader(header, httpResp.Header)
	// the body is already fully read
	header.Del("Content-Length")

	span.SetAttributes(attribute.Int("fetch.status", httpResp.StatusCode))

	return &resource.Response{
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       body,
		Type:       f.responseType(req.URL),
		URL:        req.Key(),
	}, nil
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}
