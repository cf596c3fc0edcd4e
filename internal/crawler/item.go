package crawler

import (
	"net/http"
	"time"
)

// Item is a unit of scraped output flowing through pipelines.
type Item map[string]any

// Item fields shared by the bundled spider and pipelines.
const (
	ItemURL         = "url"
	ItemStatus      = "status"
	ItemDepth       = "depth"
	ItemTitle       = "title"
	ItemLinks       = "links"
	ItemBody        = "body"
	ItemHeaders     = "headers"
	ItemContentType = "content_type"
	ItemContentHash = "content_hash"
	ItemBlobURI     = "blob_uri"
	ItemRecordID    = "record_id"
	ItemFetchedAt   = "fetched_at"
	ItemRendered    = "rendered"
)

// PageItem builds the standard page item for resp.
func PageItem(resp *Response) Item {
	item := Item{
		ItemURL:         resp.URL,
		ItemStatus:      resp.StatusCode,
		ItemBody:        resp.Body,
		ItemHeaders:     resp.Headers,
		ItemContentType: resp.Headers.Get("Content-Type"),
		ItemFetchedAt:   time.Now().UTC(),
		ItemRendered:    resp.Rendered,
	}
	if resp.Request != nil {
		item[ItemDepth] = resp.Request.Depth()
	}
	return item
}

// Text returns the string stored under key, or "".
func (it Item) Text(key string) string {
	s, _ := it[key].(string)
	return s
}

// Int returns the integer stored under key, or zero.
func (it Item) Int(key string) int {
	switch v := it[key].(type) {
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

// Bytes returns the byte slice stored under key.
func (it Item) Bytes(key string) []byte {
	switch v := it[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// Headers returns the header set stored under key.
func (it Item) Headers(key string) http.Header {
	h, _ := it[key].(http.Header)
	return h
}

// Time returns the time stored under key, or the zero time.
func (it Item) Time(key string) time.Time {
	t, _ := it[key].(time.Time)
	return t
}
