// Package storage implements the storage writer: batched, compressed
// persistence of crawled pages into the Durable Store's split
// pages_metadata/pages_content collections, with content-hash
// deduplication and post-hoc reconciliation of partially-failed batches.
package storage

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// PageMetadata is the small, frequently-queried document stored in
// pages_metadata; it never carries the compressed HTML body.
type PageMetadata struct {
	ID              interface{} `bson:"_id" json:"id"`
	URL             string      `bson:"url" json:"url"`
	Domain          string      `bson:"domain" json:"domain"`
	Depth           int         `bson:"depth" json:"depth"`
	LinkCount       int         `bson:"link_count" json:"link_count"`
	Links           []string    `bson:"links" json:"links"`
	ContentHash     string      `bson:"content_hash" json:"content_hash"`
	ContentSize     int         `bson:"content_size" json:"content_size"`
	CompressedSize  int         `bson:"compressed_size" json:"compressed_size"`
	CompressionRate float64     `bson:"compression_ratio" json:"compression_ratio"`
	WorkerID        string      `bson:"worker_id" json:"worker_id"`
	CrawledAt       time.Time   `bson:"crawled_at" json:"crawled_at"`
}

// PageContent is the larger document stored in pages_content, holding the
// compressed HTML body and the complete link list.
type PageContent struct {
	PageID         interface{} `bson:"page_id" json:"page_id"`
	CompressedHTML []byte      `bson:"compressed_html" json:"-"`
	AllLinks       []string    `bson:"all_links" json:"all_links"`
}

// Page is the fully reconstituted result of GetPage: metadata plus
// decompressed HTML.
type Page struct {
	URL       string
	Domain    string
	Depth     int
	HTML      string
	Links     []string
	CrawledAt time.Time
}

// maxStoredLinks bounds the link slice embedded directly in the metadata
// document, matching the "store first 100 links for quick access" rule;
// the full list always lives in the content document.
const maxStoredLinks = 100

// compressionLevel is the zlib level every stored body is compressed at.
// Decompression does not depend on it, so changing it only affects newly
// written bodies.
const compressionLevel = 6

// Stats summarizes one writer's lifetime counters.
type Stats struct {
	PagesStored      int64
	BytesOriginal    int64
	BytesCompressed  int64
	CompressionRatio float64
	BatchesFlushed   int64
	PendingInBatch   int
}

// Writer batches pages in memory and flushes them to the Durable Store
// once batchSize is reached, or on an explicit FlushBatch/Close call.
type Writer struct {
	metadata  MetadataStore
	content   ContentStore
	batchSize int

	mu            sync.Mutex
	metadataBatch []PageMetadata
	contentBatch  []PageContent
	pendingHashes map[string]bool
	stats         Stats
}

// New constructs a Writer. The stores must already have their indexes
// created (see EnsureIndexes on the Mongo-backed implementation).
func New(metadata MetadataStore, content ContentStore, batchSize int) *Writer {
	return &Writer{
		metadata:      metadata,
		content:       content,
		batchSize:     batchSize,
		pendingHashes: make(map[string]bool),
	}
}

func compressHTML(html string) []byte {
	var buf bytes.Buffer
	w, _ := zlib.NewWriterLevel(&buf, compressionLevel)
	w.Write([]byte(html))
	w.Close()
	return buf.Bytes()
}

func decompressHTML(compressed []byte) (string, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("opening compressed content: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decompressing content: %w", err)
	}
	return string(data), nil
}

func contentHash(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])
}

// AddPage appends a crawled page to the in-memory batch, skipping it if
// its content hash already exists in the Durable Store. Returns true if
// the page was queued, false if it was a duplicate. The batch is flushed
// automatically once it reaches the configured batch size.
func (w *Writer) AddPage(ctx context.Context, url, html string, links []string, domain string, depth int, workerID string) (bool, error) {
	hash := contentHash(html)

	// The Durable Store only knows about flushed batches; a body queued but
	// not yet flushed has to be deduplicated against the pending buffer too.
	w.mu.Lock()
	pending := w.pendingHashes[hash]
	w.mu.Unlock()
	if pending {
		return false, nil
	}

	exists, err := w.metadata.ExistsByContentHash(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("checking content hash: %w", err)
	}
	if exists {
		return false, nil
	}

	compressed := compressHTML(html)
	originalSize := len(html)
	compressedSize := len(compressed)

	storedLinks := links
	if len(storedLinks) > maxStoredLinks {
		storedLinks = storedLinks[:maxStoredLinks]
	}

	id := w.metadata.NewID()
	meta := PageMetadata{
		ID:              id,
		URL:             url,
		Domain:          domain,
		Depth:           depth,
		LinkCount:       len(links),
		Links:           storedLinks,
		ContentHash:     hash,
		ContentSize:     originalSize,
		CompressedSize:  compressedSize,
		CompressionRate: ratio(compressedSize, originalSize),
		WorkerID:        workerID,
		CrawledAt:       time.Now().UTC(),
	}
	content := PageContent{
		PageID:         id,
		CompressedHTML: compressed,
		AllLinks:       links,
	}

	w.mu.Lock()
	w.metadataBatch = append(w.metadataBatch, meta)
	w.contentBatch = append(w.contentBatch, content)
	w.pendingHashes[hash] = true
	w.stats.BytesOriginal += int64(originalSize)
	w.stats.BytesCompressed += int64(compressedSize)
	full := len(w.metadataBatch) >= w.batchSize
	w.mu.Unlock()

	if full {
		if err := w.FlushBatch(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// FlushBatch inserts the current batch into the Durable Store. Metadata is
// inserted unordered so a duplicate key on one document does not abort the
// rest; the content batch is then filtered down to the IDs that metadata
// actually persisted. The buffers are cleared up front regardless of
// outcome to bound memory.
func (w *Writer) FlushBatch(ctx context.Context) error {
	w.mu.Lock()
	metadataBatch := w.metadataBatch
	contentBatch := w.contentBatch
	w.metadataBatch = nil
	w.contentBatch = nil
	w.pendingHashes = make(map[string]bool)
	w.mu.Unlock()

	if len(metadataBatch) == 0 {
		return nil
	}

	insertedIDs, err := w.metadata.InsertMany(ctx, metadataBatch)
	if err != nil && len(insertedIDs) == 0 {
		return fmt.Errorf("flushing metadata batch: %w", err)
	}

	insertedSet := make(map[interface{}]bool, len(insertedIDs))
	for _, id := range insertedIDs {
		insertedSet[id] = true
	}

	var toInsert []PageContent
	for _, c := range contentBatch {
		if insertedSet[c.PageID] {
			toInsert = append(toInsert, c)
		}
	}

	if len(toInsert) > 0 {
		if err := w.content.InsertMany(ctx, toInsert); err != nil {
			return fmt.Errorf("flushing content batch: %w", err)
		}
	}

	w.mu.Lock()
	w.stats.PagesStored += int64(len(toInsert))
	w.stats.BatchesFlushed++
	if w.stats.BytesOriginal > 0 {
		w.stats.CompressionRatio = float64(w.stats.BytesCompressed) / float64(w.stats.BytesOriginal)
	}
	w.mu.Unlock()

	return nil
}

// GetPage retrieves a page's metadata and decompressed content by URL.
func (w *Writer) GetPage(ctx context.Context, url string) (*Page, error) {
	meta, err := w.metadata.FindByURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("finding page metadata: %w", err)
	}
	if meta == nil {
		return nil, nil
	}
	content, err := w.content.FindByPageID(ctx, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("finding page content: %w", err)
	}
	if content == nil {
		return nil, nil
	}
	html, err := decompressHTML(content.CompressedHTML)
	if err != nil {
		return nil, err
	}
	return &Page{
		URL:       meta.URL,
		Domain:    meta.Domain,
		Depth:     meta.Depth,
		HTML:      html,
		Links:     content.AllLinks,
		CrawledAt: meta.CrawledAt,
	}, nil
}

// GetStats returns a snapshot of the writer's lifetime counters.
func (w *Writer) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.PendingInBatch = len(w.metadataBatch)
	return stats
}

// Close flushes any remaining batch. It does not close the underlying
// store connections; callers own those.
func (w *Writer) Close(ctx context.Context) error {
	return w.FlushBatch(ctx)
}

func ratio(compressed, original int) float64 {
	if original == 0 {
		return 0
	}
	return float64(compressed) / float64(original)
}
