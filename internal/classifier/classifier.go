package classifier

import (
	"net/url"
	"path"
	"strings"

	"github.com/2beens/offlinecache/internal/resource"
)

type Class int

const (
	Unclassified Class = iota
	Document
	StaticAsset
	CrossOrigin
)

func (c Class) String() string {
	switch c {
	case Document:
		return "document"
	case StaticAsset:
		return "static_asset"
	case CrossOrigin:
		return "cross_origin"
	default:
		return "unclassified"
	}
}

var (
	DefaultStaticExtensions = []string{
		".js", ".css",
		".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
		".woff", ".woff2", ".ttf", ".otf",
	}
	DefaultCacheableHosts = []string{
		"fonts.googleapis.com",
		"fonts.gstatic.com",
	}
)

// Namespaces names the cache namespaces of the generation currently serving pages.
type Namespaces struct {
	Documents string
	Static    string
}

type Route struct {
	Class Class
	// Namespace is where a successful response gets persisted; empty means never persisted.
	Namespace string
}

type Classifier struct {
	origin           *url.URL
	staticExtensions map[string]bool
	cacheableHosts   map[string]bool
}

type Params struct {
	AppOrigin        *url.URL
	StaticExtensions []string
	CacheableHosts   []string
}

func New(params Params) *Classifier {
	staticExtensions := params.StaticExtensions
	if len(staticExtensions) == 0 {
		staticExtensions = DefaultStaticExtensions
	}
	cacheableHosts := params.CacheableHosts
	if cacheableHosts == nil {
		cacheableHosts = DefaultCacheableHosts
	}

	c := &Classifier{
		origin:           params.AppOrigin,
		staticExtensions: make(map[string]bool, len(staticExtensions)),
		cacheableHosts:   make(map[string]bool, len(cacheableHosts)),
	}
	for _, ext := range staticExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.staticExtensions[ext] = true
	}
	for _, host := range cacheableHosts {
		c.cacheableHosts[strings.ToLower(host)] = true
	}
	return c
}

func (c *Classifier) SameOrigin(u *url.URL) bool {
	if u == nil || c.origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func (c *Classifier) IsCacheableHost(u *url.URL) bool {
	return u != nil && c.cacheableHosts[strings.ToLower(u.Hostname())]
}

// Classify has no side effects and must run before anything asynchronous,
// so cross-origin requests can be declined without being touched.
func (c *Classifier) Classify(req *resource.Request) Class {
	sameOrigin := c.SameOrigin(req.URL)
	cacheableHost := c.IsCacheableHost(req.URL)
	if !sameOrigin && !cacheableHost {
		return CrossOrigin
	}

	if sameOrigin {
		p := req.URL.Path
		if req.IsNavigation() ||
			req.Destination == resource.DestinationDocument ||
			p == "/" || p == "" ||
			strings.HasSuffix(strings.ToLower(p), ".html") {
			return Document
		}
	}

	if cacheableHost || c.staticExtensions[strings.ToLower(path.Ext(req.URL.Path))] {
		return StaticAsset
	}

	return Unclassified
}

func (c *Classifier) Route(req *resource.Request, ns Namespaces) Route {
	class := c.Classify(req)
	switch class {
	case Document:
		return Route{Class: class, Namespace: ns.Documents}
	case StaticAsset:
		return Route{Class: class, Namespace: ns.Static}
	default:
		return Route{Class: class}
	}
}
