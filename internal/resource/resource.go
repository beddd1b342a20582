package resource

import (
	"context"
	"net/http"
	"net/url"
)

// Mode mirrors the fetch request mode a page sends (Sec-Fetch-Mode).
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// DestinationDocument is the Sec-Fetch-Dest value of a top level document.
const DestinationDocument = "document"

type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
)

// Fetcher performs a real network fetch for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type Request struct {
	Method      string
	URL         *url.URL
	Mode        Mode
	Destination string
	Header      http.Header
}

// NewGetRequest builds a plain GET request for an absolute URL, the way
// manifest entries are fetched during install.
func NewGetRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Mode:   ModeNoCORS,
		Header: make(http.Header),
	}, nil
}

// Key is the request identity used by the cache: the absolute URL without its fragment.
func (r *Request) Key() string {
	return Key(r.URL)
}

func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

func (r *Request) IsGet() bool {
	return r.Method == "" || r.Method == http.MethodGet
}

func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	stripped := *u
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return stripped.String()
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	URL        string
}

// Clone returns a deep copy, so a stored response never shares its body
// with the one handed back to the page.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Type:       r.Type,
		URL:        r.URL,
	}
	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	return clone
}

func (r *Response) OK() bool {
	return r != nil && r.StatusCode == http.StatusOK
}
