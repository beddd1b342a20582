package strategy

import (
	"fmt"
	"net/http"

	"github.com/2beens/offlinecache/internal/resource"
)

type NavigationFallback string

const (
	NavigationFallbackHTML  NavigationFallback = "html"
	NavigationFallbackPlain NavigationFallback = "plain"
)

const (
	LangArabic  = "ar"
	LangEnglish = "en"

	contentTypeHTML  = "text/html; charset=utf-8"
	contentTypePlain = "text/plain; charset=utf-8"
)

type offlineTexts struct {
	dir     string
	title   string
	heading string
	lines   [2]string
	retry   string
	plain   string
}

var texts = map[string]offlineTexts{
	LangArabic: {
		dir:     "rtl",
		title:   "صحتي - غير متصل",
		heading: "تطبيق صحتي",
		lines: [2]string{
			"أنت غير متصل بالإنترنت حالياً",
			"بعض الميزات قد تكون محدودة",
		},
		retry: "حاول مرة أخرى",
		plain: "غير متوفر في وضع عدم الاتصال",
	},
	LangEnglish: {
		dir:     "ltr",
		title:   "Sehati - offline",
		heading: "Sehati",
		lines: [2]string{
			"You are currently offline",
			"Some features may be limited",
		},
		retry: "Try again",
		plain: "Not available while offline",
	},
}

const offlinePageTemplate = `<!DOCTYPE html>
<html lang="%s" dir="%s">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%s</title>
<style>
body { font-family: 'Cairo', sans-serif; text-align: center; padding: 50px; background: #f0f9f4; }
.offline { background: white; padding: 40px; border-radius: 20px; box-shadow: 0 4px 20px rgba(0,0,0,0.1); max-width: 400px; margin: 0 auto; }
.icon { font-size: 64px; margin-bottom: 20px; }
h1 { color: #22c55e; margin-bottom: 15px; }
p { color: #666; line-height: 1.6; }
button { background: #22c55e; color: white; border: none; padding: 10px 20px; border-radius: 10px; cursor: pointer; margin-top: 20px; }
</style>
</head>
<body>
<div class="offline">
<div class="icon">📱</div>
<h1>%s</h1>
<p>%s</p>
<p>%s</p>
<button onclick="window.location.reload()">%s</button>
</div>
</body>
</html>
`

type FallbackPolicy struct {
	Navigation NavigationFallback
	// HTMLStatus is the status of the synthesized offline page.
	HTMLStatus int
	Lang       string
}

// Fallbacks synthesizes offline responses. Bodies are rendered once, so
// repeated fallbacks are byte-identical and never depend on cache contents.
type Fallbacks struct {
	navigation NavigationFallback
	htmlStatus int
	htmlBody   []byte
	plainBody  []byte
}

func NewFallbacks(policy FallbackPolicy) (*Fallbacks, error) {
	lang := policy.Lang
	if lang == "" {
		lang = LangArabic
	}
	t, ok := texts[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported offline language: %s", lang)
	}

	navigation := policy.Navigation
	switch navigation {
	case "":
		navigation = NavigationFallbackHTML
	case NavigationFallbackHTML, NavigationFallbackPlain:
	default:
		return nil, fmt.Errorf("unknown navigation fallback: %s", navigation)
	}

	htmlStatus := policy.HTMLStatus
	if htmlStatus == 0 {
		htmlStatus = http.StatusServiceUnavailable
	}
	if htmlStatus != http.StatusOK && htmlStatus != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("offline page status must be 200 or 503, got %d", htmlStatus)
	}

	html := fmt.Sprintf(offlinePageTemplate, lang, t.dir, t.title, t.heading, t.lines[0], t.lines[1], t.retry)

	return &Fallbacks{
		navigation: navigation,
		htmlStatus: htmlStatus,
		htmlBody:   []byte(html),
		plainBody:  []byte(t.plain),
	}, nil
}

// Document is the last resort for a document request: the offline page for
// navigations (unless the policy says plain), plain text otherwise.
func (f *Fallbacks) Document(req *resource.Request) *resource.Response {
	if req.IsNavigation() && f.navigation == NavigationFallbackHTML {
		return f.HTML(req)
	}
	return f.Plain(req)
}

func (f *Fallbacks) HTML(req *resource.Request) *resource.Response {
	return f.synthesize(req, f.htmlStatus, contentTypeHTML, f.htmlBody)
}

func (f *Fallbacks) Plain(req *resource.Request) *resource.Response {
	return f.synthesize(req, http.StatusServiceUnavailable, contentTypePlain, f.plainBody)
}

func (f *Fallbacks) synthesize(req *resource.Request, status int, contentType string, body []byte) *resource.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-store")
	resp := &resource.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		Type:       resource.ResponseTypeBasic,
		URL:        req.Key(),
	}
	// callers get their own copy of the body
	return resp.Clone()
}
