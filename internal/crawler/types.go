package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Response is a successful fetch result. Non-2xx statuses are still
// responses; middleware and spiders decide what they mean.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Request    *Request
	// Rendered is set when the body came from a headless browser.
	Rendered bool
}

// FailureKind classifies a FetchFailure.
type FailureKind string

// Failure kinds observed by the engine and processor.
const (
	FailureTimeout  FailureKind = "timeout"
	FailureNetwork  FailureKind = "network"
	FailureCanceled FailureKind = "canceled"
	// FailureRetried marks a dispatch whose request was re-enqueued by retry middleware.
	FailureRetried FailureKind = "retried"
	// FailureIgnored marks a request dropped on purpose by middleware.
	FailureIgnored FailureKind = "ignored"
	FailureOther   FailureKind = "other"
)

// FetchFailure is the terminal failure of one dispatch.
type FetchFailure struct {
	Request *Request
	Kind    FailureKind
	Err     error
}

// NewFetchFailure wraps err for req, classifying it when kind is empty.
func NewFetchFailure(req *Request, kind FailureKind, err error) *FetchFailure {
	if kind == "" {
		kind = ClassifyError(err)
	}
	return &FetchFailure{Request: req, Kind: kind, Err: err}
}

func (f *FetchFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("fetch %s: %s", f.Request, f.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", f.Request, f.Kind, f.Err)
}

func (f *FetchFailure) Unwrap() error {
	return f.Err
}

// Terminal reports whether the failure should reach spider error handling.
// Retried and ignored dispatches are bookkeeping, not errors.
func (f *FetchFailure) Terminal() bool {
	return f.Kind != FailureRetried && f.Kind != FailureIgnored
}

// AsFetchFailure converts any fetch error into a *FetchFailure for req.
func AsFetchFailure(req *Request, err error) *FetchFailure {
	if err == nil {
		return nil
	}
	var ff *FetchFailure
	if errors.As(err, &ff) {
		if ff.Request == nil {
			ff.Request = req
		}
		return ff
	}
	return NewFetchFailure(req, "", err)
}

// ClassifyError maps transport errors onto failure kinds.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureNetwork
	}
	return FailureOther
}

// Result is handed to the processor once a dispatch finishes downloading.
// Exactly one of Response and Failure is set.
type Result struct {
	Request  *Request
	Response *Response
	Failure  *FetchFailure
}

// ParseResult is what a spider callback yields for one response.
type ParseResult struct {
	Items    []Item
	Requests []*Request
}

// PageRecord is persisted for each scraped page.
type PageRecord struct {
	ID          string
	Spider      string
	URL         string
	StatusCode  int
	Depth       int
	ContentHash string
	ContentType string
	BlobURI     string
	Headers     http.Header
	FetchedAt   time.Time
}
