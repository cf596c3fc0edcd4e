// Package pipeline contains the bundled item pipelines: raw body storage,
// page records and completion notifications.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Blob stores each item's body in a blob store under its content hash and
// replaces the body with the hash and URI.
type Blob struct {
	store  crawler.BlobStore
	logger *zap.Logger
}

// NewBlob builds the blob pipeline.
func NewBlob(store crawler.BlobStore, logger *zap.Logger) (*Blob, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blob{store: store, logger: logger}, nil
}

// Name implements processor.Pipeline.
func (b *Blob) Name() string { return "blob" }

// ProcessItem implements processor.Pipeline. Items without a body pass
// through untouched.
func (b *Blob) ProcessItem(ctx context.Context, spider string, item crawler.Item) (crawler.Item, error) {
	body := item.Bytes(crawler.ItemBody)
	if body == nil {
		return item, nil
	}
	hash := Hash(body)
	contentType := item.Text(crawler.ItemContentType)
	objectPath := path.Join(spider, hash[:2], hash+extension(contentType))

	uri, err := b.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("store body for %s: %w", item.Text(crawler.ItemURL), err)
	}
	b.logger.Debug("stored page body",
		zap.String("url", item.Text(crawler.ItemURL)),
		zap.String("uri", uri),
		zap.Int("bytes", len(body)),
	)
	item[crawler.ItemContentHash] = hash
	item[crawler.ItemBlobURI] = uri
	delete(item, crawler.ItemBody)
	return item, nil
}

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch {
	case strings.Contains(mediaType, "html"):
		return ".html"
	case strings.Contains(mediaType, "json"):
		return ".json"
	case strings.Contains(mediaType, "xml"):
		return ".xml"
	case strings.HasPrefix(mediaType, "text/"):
		return ".txt"
	default:
		return ".bin"
	}
}

// Close releases the blob store client when it has one.
func (b *Blob) Close(ctx context.Context) error {
	if c, ok := b.store.(crawler.Closer); ok {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("close blob store: %w", err)
		}
	}
	return nil
}
