package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	pubmemory "github.com/JakeFAU/crawl-engine/internal/publisher/memory"
	"github.com/JakeFAU/crawl-engine/internal/storage/memory"
)

type recordStore struct {
	mu      sync.Mutex
	records []crawler.PageRecord
	err     error
}

func (s *recordStore) StoreRecord(_ context.Context, rec crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic not found")
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func pageItem() crawler.Item {
	req := crawler.NewRequest("https://a.test/page")
	req.SetMeta(crawler.MetaDepth, 2)
	return crawler.PageItem(&crawler.Response{
		URL:        "https://a.test/page",
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte("<html>hello</html>"),
		Request:    req,
	})
}

func TestBlobStoresBodyByHash(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	b, err := NewBlob(store, nil)
	require.NoError(t, err)

	out, err := b.ProcessItem(context.Background(), "news", pageItem())
	require.NoError(t, err)

	hash := Hash([]byte("<html>hello</html>"))
	require.Equal(t, hash, out.Text(crawler.ItemContentHash))
	wantPath := "news/" + hash[:2] + "/" + hash + ".html"
	require.Equal(t, "memory://"+wantPath, out.Text(crawler.ItemBlobURI))
	require.NotContains(t, out, crawler.ItemBody)

	obj, ok := store.Get(wantPath)
	require.True(t, ok)
	require.Equal(t, "<html>hello</html>", string(obj.Data))
	require.Equal(t, "text/html; charset=utf-8", obj.ContentType)
}

func TestBlobSkipsItemsWithoutBody(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	b, err := NewBlob(store, nil)
	require.NoError(t, err)

	item := crawler.Item{"title": "x"}
	out, err := b.ProcessItem(context.Background(), "news", item)
	require.NoError(t, err)
	require.Equal(t, item, out)
	require.Empty(t, store.Paths())
}

func TestBlobPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	b, err := NewBlob(failingBlobStore{}, nil)
	require.NoError(t, err)
	_, err = b.ProcessItem(context.Background(), "news", pageItem())
	require.ErrorContains(t, err, "bucket gone")

	_, err = NewBlob(nil, nil)
	require.Error(t, err)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"text/html; charset=utf-8": ".html",
		"application/json":         ".json",
		"application/rss+xml":      ".xml",
		"text/plain":               ".txt",
		"image/png":                ".bin",
		"":                         ".bin",
	}
	for contentType, want := range tests {
		require.Equal(t, want, extension(contentType), contentType)
	}
}

func TestRecordPersistsPage(t *testing.T) {
	t.Parallel()

	store := &recordStore{}
	r, err := NewRecord(store, fixedIDs{id: "rec-1"})
	require.NoError(t, err)

	item := pageItem()
	item[crawler.ItemContentHash] = "abc"
	item[crawler.ItemBlobURI] = "memory://news/abc.html"
	out, err := r.ProcessItem(context.Background(), "news", item)
	require.NoError(t, err)
	require.Equal(t, "rec-1", out.Text(crawler.ItemRecordID))

	require.Len(t, store.records, 1)
	rec := store.records[0]
	require.Equal(t, "rec-1", rec.ID)
	require.Equal(t, "news", rec.Spider)
	require.Equal(t, "https://a.test/page", rec.URL)
	require.Equal(t, 200, rec.StatusCode)
	require.Equal(t, 2, rec.Depth)
	require.Equal(t, "abc", rec.ContentHash)
	require.Equal(t, "text/html; charset=utf-8", rec.ContentType)
	require.Equal(t, "memory://news/abc.html", rec.BlobURI)
	require.False(t, rec.FetchedAt.IsZero())
}

func TestRecordDefaultsFetchTimeAndSkipsNonPages(t *testing.T) {
	t.Parallel()

	store := &recordStore{}
	r, err := NewRecord(store, fixedIDs{id: "rec-2"})
	require.NoError(t, err)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	_, err = r.ProcessItem(context.Background(), "news", crawler.Item{crawler.ItemURL: "https://a.test/"})
	require.NoError(t, err)
	require.Equal(t, fixed, store.records[0].FetchedAt)

	out, err := r.ProcessItem(context.Background(), "news", crawler.Item{"note": "x"})
	require.NoError(t, err)
	require.NotContains(t, out, crawler.ItemRecordID)
	require.Len(t, store.records, 1)
}

func TestRecordPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	r, err := NewRecord(&recordStore{err: errors.New("conn refused")}, fixedIDs{id: "x"})
	require.NoError(t, err)
	_, err = r.ProcessItem(context.Background(), "news", pageItem())
	require.ErrorContains(t, err, "conn refused")

	_, err = NewRecord(nil, fixedIDs{})
	require.Error(t, err)
	_, err = NewRecord(&recordStore{}, nil)
	require.Error(t, err)
}

func TestPublishSendsPageEvent(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	p, err := NewPublish(pub, PublishConfig{Topic: "pages"}, nil)
	require.NoError(t, err)

	item := pageItem()
	item[crawler.ItemRecordID] = "rec-1"
	_, err = p.ProcessItem(context.Background(), "news", item)
	require.NoError(t, err)

	msgs := pub.Topic("pages")
	require.Len(t, msgs, 1)
	evt, ok := msgs[0].(PageEvent)
	require.True(t, ok)
	require.Equal(t, "rec-1", evt.RecordID)
	require.Equal(t, "news", evt.Spider)
	require.Equal(t, "https://a.test/page", evt.URL)
	require.Equal(t, 2, evt.Depth)
	require.NoError(t, p.Close(context.Background()))
}

func TestPublishFailureModes(t *testing.T) {
	t.Parallel()

	lenient, err := NewPublish(failingPublisher{}, PublishConfig{Topic: "pages"}, nil)
	require.NoError(t, err)
	out, err := lenient.ProcessItem(context.Background(), "news", pageItem())
	require.NoError(t, err)
	require.NotNil(t, out)

	strict, err := NewPublish(failingPublisher{}, PublishConfig{Topic: "pages", Strict: true}, nil)
	require.NoError(t, err)
	_, err = strict.ProcessItem(context.Background(), "news", pageItem())
	require.ErrorContains(t, err, "topic not found")
}
