package storage

import "context"

// MetadataStore is the subset of Durable Store behavior the writer needs
// against the pages_metadata collection, narrow enough to be satisfied by
// a hand-written fake in tests as well as the real Mongo-backed adapter.
type MetadataStore interface {
	NewID() interface{}
	ExistsByContentHash(ctx context.Context, hash string) (bool, error)
	InsertMany(ctx context.Context, docs []PageMetadata) (insertedIDs []interface{}, err error)
	FindByURL(ctx context.Context, url string) (*PageMetadata, error)
}

// ContentStore is the subset of Durable Store behavior the writer needs
// against the pages_content collection.
type ContentStore interface {
	InsertMany(ctx context.Context, docs []PageContent) error
	FindByPageID(ctx context.Context, pageID interface{}) (*PageContent, error)
}
