package crawler

import (
	"context"
	"io"
)

// Scheduler holds pending requests in priority order (FIFO on ties) and
// filters duplicates. Implementations must be safe for concurrent use.
type Scheduler interface {
	// HasPending reports whether Next would return a request.
	HasPending() bool
	// Next pops the highest-priority request, or nil when empty.
	Next() *Request
	// Enqueue adds req and reports whether it was accepted.
	Enqueue(req *Request) bool
	// Len returns the number of pending requests.
	Len() int
}

// Downloader executes one fetch per request under a concurrency cap.
type Downloader interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
	// Capacity is the maximum number of concurrent fetches.
	Capacity() int
	Close() error
}

// Fetcher performs the network call for a single request.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Processor consumes fetch results and reports follow-up requests.
type Processor interface {
	Open(ctx context.Context, spider Spider) error
	Process(ctx context.Context, result Result) ([]*Request, error)
	// NeedsBackout reports whether the processing backlog is over its limit.
	NeedsBackout() bool
	Close(ctx context.Context) error
}

// Spider produces the seed requests and parses responses.
type Spider interface {
	Name() string
	StartRequests(ctx context.Context) ([]*Request, error)
	Parse(ctx context.Context, resp *Response) (ParseResult, error)
}

// FailureHandler is implemented by spiders that want terminal fetch failures.
type FailureHandler interface {
	HandleFailure(ctx context.Context, failure *FetchFailure) (ParseResult, error)
}

// Opener is implemented by collaborators with per-spider setup.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by collaborators with per-spider teardown.
type Closer interface {
	Close(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RecordStore persists page metadata.
type RecordStore interface {
	StoreRecord(ctx context.Context, record PageRecord) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
