package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/2beens/offlinecache/internal/classifier"
	"github.com/2beens/offlinecache/internal/resource"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Responder is the fetch strategy engine as seen by the host.
type Responder interface {
	Respond(ctx context.Context, req *resource.Request, ns classifier.Namespaces) (*resource.Response, bool)
}

// NamespaceSource reports the namespaces of the generation serving pages.
type NamespaceSource interface {
	Namespaces() (classifier.Namespaces, bool)
}

// Handler bridges HTTP to the engine. Requests the engine declines, and all
// requests while no generation is active, go to upstream untouched.
type Handler struct {
	engine      Responder
	namespaces  NamespaceSource
	appOrigin   *url.URL
	passThrough http.Handler
}

type Params struct {
	Engine     Responder
	Namespaces NamespaceSource
	AppOrigin  *url.URL
	Upstream   *url.URL
	// Transport is optional, a traced default transport is used when nil.
	Transport http.RoundTripper
}

func NewHandler(params Params) *Handler {
	transport := params.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	reverseProxy := httputil.NewSingleHostReverseProxy(params.Upstream)
	reverseProxy.Transport = transport
	reverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Errorf("proxy: pass through %s %s: %s", r.Method, r.URL.Path, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	return &Handler{
		engine:      params.Engine,
		namespaces:  params.Namespaces,
		appOrigin:   params.AppOrigin,
		passThrough: reverseProxy,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// request bodies are never replayed by the engine
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.passThrough.ServeHTTP(w, r)
		return
	}

	ns, active := h.namespaces.Namespaces()
	if !active {
		log.Tracef("proxy: no active generation, passing [%s] through", r.URL.Path)
		h.passThrough.ServeHTTP(w, r)
		return
	}

	req := h.resourceRequest(r)
	resp, handled := h.engine.Respond(r.Context(), req, ns)
	if !handled {
		h.passThrough.ServeHTTP(w, r)
		return
	}

	writeResponse(w, r, resp)
}

func (h *Handler) resourceRequest(r *http.Request) *resource.Request {
	u := *h.appOrigin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	header := r.Header.Clone()
	header.Del("Cookie")

	return &resource.Request{
		Method:      http.MethodGet,
		URL:         &u,
		Mode:        requestMode(r),
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Header:      header,
	}
}

// requestMode reads Sec-Fetch-Mode; clients that do not send it are treated
// as navigating when they ask for html.
func requestMode(r *http.Request) resource.Mode {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return resource.Mode(mode)
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return resource.ModeNavigate
	}
	return resource.ModeNoCORS
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *resource.Response) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	bodyAllowed := resp.StatusCode >= 200 && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified
	if bodyAllowed {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead || !bodyAllowed {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		log.Debugf("proxy: write response for [%s]: %s", r.URL.Path, err)
	}
}
