package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Record persists a PageRecord per item and tags the item with its ID.
type Record struct {
	store crawler.RecordStore
	ids   crawler.IDGenerator
	now   func() time.Time
}

// NewRecord builds the record pipeline.
func NewRecord(store crawler.RecordStore, ids crawler.IDGenerator) (*Record, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	return &Record{store: store, ids: ids, now: time.Now}, nil
}

// Name implements processor.Pipeline.
func (r *Record) Name() string { return "record" }

// ProcessItem implements processor.Pipeline. Items without a URL are not
// pages and pass through.
func (r *Record) ProcessItem(ctx context.Context, spider string, item crawler.Item) (crawler.Item, error) {
	url := item.Text(crawler.ItemURL)
	if url == "" {
		return item, nil
	}
	id, err := r.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}
	fetchedAt := item.Time(crawler.ItemFetchedAt)
	if fetchedAt.IsZero() {
		fetchedAt = r.now().UTC()
	}
	rec := crawler.PageRecord{
		ID:          id,
		Spider:      spider,
		URL:         url,
		StatusCode:  item.Int(crawler.ItemStatus),
		Depth:       item.Int(crawler.ItemDepth),
		ContentHash: item.Text(crawler.ItemContentHash),
		ContentType: item.Text(crawler.ItemContentType),
		BlobURI:     item.Text(crawler.ItemBlobURI),
		Headers:     item.Headers(crawler.ItemHeaders),
		FetchedAt:   fetchedAt,
	}
	if err := r.store.StoreRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("store record for %s: %w", url, err)
	}
	item[crawler.ItemRecordID] = id
	return item, nil
}

// Close releases the record store when it holds a connection pool.
func (r *Record) Close(ctx context.Context) error {
	if c, ok := r.store.(crawler.Closer); ok {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("close record store: %w", err)
		}
	}
	return nil
}
