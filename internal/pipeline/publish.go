package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// PageEvent is the notification published for each stored page.
type PageEvent struct {
	RecordID    string    `json:"record_id,omitempty"`
	Spider      string    `json:"spider"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	Depth       int       `json:"depth"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at,omitzero"`
}

// Publish announces each page item on a topic. Publish failures are logged
// and the item continues, unless Strict is set.
type Publish struct {
	publisher crawler.Publisher
	topic     string
	strict    bool
	logger    *zap.Logger
}

// PublishConfig controls Publish.
type PublishConfig struct {
	Topic  string
	Strict bool
}

// NewPublish builds the publish pipeline.
func NewPublish(publisher crawler.Publisher, cfg PublishConfig, logger *zap.Logger) (*Publish, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publish{publisher: publisher, topic: cfg.Topic, strict: cfg.Strict, logger: logger}, nil
}

// Name implements processor.Pipeline.
func (p *Publish) Name() string { return "publish" }

// ProcessItem implements processor.Pipeline.
func (p *Publish) ProcessItem(ctx context.Context, spider string, item crawler.Item) (crawler.Item, error) {
	url := item.Text(crawler.ItemURL)
	if url == "" {
		return item, nil
	}
	evt := PageEvent{
		RecordID:    item.Text(crawler.ItemRecordID),
		Spider:      spider,
		URL:         url,
		StatusCode:  item.Int(crawler.ItemStatus),
		Depth:       item.Int(crawler.ItemDepth),
		ContentHash: item.Text(crawler.ItemContentHash),
		BlobURI:     item.Text(crawler.ItemBlobURI),
		FetchedAt:   item.Time(crawler.ItemFetchedAt),
	}
	id, err := p.publisher.Publish(ctx, p.topic, evt)
	if err != nil {
		if p.strict {
			return nil, fmt.Errorf("publish %s: %w", url, err)
		}
		p.logger.Warn("failed to publish page event", zap.String("url", url), zap.Error(err))
		return item, nil
	}
	p.logger.Debug("published page event", zap.String("url", url), zap.String("message_id", id))
	return item, nil
}

// Close flushes the publisher when it supports it.
func (p *Publish) Close(ctx context.Context) error {
	if c, ok := p.publisher.(crawler.Closer); ok {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	return nil
}
