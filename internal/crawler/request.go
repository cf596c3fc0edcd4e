package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"net/http"
	"strings"
)

// Well-known Request.Meta keys understood by the bundled middleware and spiders.
const (
	MetaProxy           = "proxy"
	MetaAuthProxy       = "_auth_proxy"
	MetaSchemeProxy     = "_scheme_proxy"
	MetaDepth           = "depth"
	MetaRetryTimes      = "retry_times"
	MetaDontRetry       = "dont_retry"
	MetaDownloadTimeout = "download_timeout"
	// MetaRender forces (true) or forbids (false) headless rendering.
	MetaRender = "render"
)

// Request describes one fetch. Requests are immutable by contract once they
// leave the scheduler, except for the headers and metadata that downloader
// middleware is allowed to rewrite.
type Request struct {
	URL        string
	Method     string
	Headers    http.Header
	Body       []byte
	Meta       map[string]any
	Priority   int
	DontFilter bool
}

// NewRequest builds a GET request for rawURL with empty headers and metadata.
func NewRequest(rawURL string) *Request {
	return &Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: http.Header{},
		Meta:    map[string]any{},
	}
}

// Copy returns a deep copy suitable for re-scheduling.
func (r *Request) Copy() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	out.Body = append([]byte(nil), r.Body...)
	out.Meta = maps.Clone(r.Meta)
	if out.Meta == nil {
		out.Meta = map[string]any{}
	}
	return &out
}

// MetaString returns the string stored under key and whether it was present
// with a non-nil value.
func (r *Request) MetaString(key string) (string, bool) {
	if r == nil || r.Meta == nil {
		return "", false
	}
	v, ok := r.Meta[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// MetaInt returns the integer stored under key, or zero.
func (r *Request) MetaInt(key string) int {
	if r == nil || r.Meta == nil {
		return 0
	}
	switch v := r.Meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetaBool reports whether key holds boolean true.
func (r *Request) MetaBool(key string) bool {
	if r == nil || r.Meta == nil {
		return false
	}
	b, ok := r.Meta[key].(bool)
	return ok && b
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *Request) SetMeta(key string, value any) {
	if r.Meta == nil {
		r.Meta = map[string]any{}
	}
	r.Meta[key] = value
}

// Depth is shorthand for MetaInt(MetaDepth).
func (r *Request) Depth() int {
	return r.MetaInt(MetaDepth)
}

// Fingerprint identifies a request for deduplication. Two requests with the
// same method, normalized URL and body share a fingerprint.
func (r *Request) Fingerprint() string {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := NormalizeURL(r.URL)
	if err != nil {
		target = r.URL
	}
	h := sha1.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write(r.Body)
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Request) String() string {
	if r == nil {
		return "<nil request>"
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("<%s %s>", method, r.URL)
}
