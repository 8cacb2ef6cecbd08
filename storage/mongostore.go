package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMetadataStore adapts a *mongo.Collection to MetadataStore.
type MongoMetadataStore struct {
	coll *mongo.Collection
}

// NewMongoMetadataStore wraps the given pages_metadata collection.
func NewMongoMetadataStore(coll *mongo.Collection) *MongoMetadataStore {
	return &MongoMetadataStore{coll: coll}
}

// EnsureIndexes creates the indexes the query patterns rely on:
// a unique index on url, plus lookup indexes on domain, crawled_at,
// content_hash and the compound (domain, crawled_at) used by per-domain
// statistics.
func (s *MongoMetadataStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "domain", Value: 1}}},
		{Keys: bson.D{{Key: "crawled_at", Value: 1}}},
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "domain", Value: 1}, {Key: "crawled_at", Value: -1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("creating metadata indexes: %w", err)
	}
	return nil
}

func (s *MongoMetadataStore) NewID() interface{} {
	return primitive.NewObjectID()
}

func (s *MongoMetadataStore) ExistsByContentHash(ctx context.Context, hash string) (bool, error) {
	err := s.coll.FindOne(ctx, bson.M{"content_hash": hash}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertMany performs an unordered bulk insert so a duplicate-key error on
// one document does not prevent the rest from landing, then reconciles
// the actually-inserted IDs against the batch on partial failure.
func (s *MongoMetadataStore) InsertMany(ctx context.Context, docs []PageMetadata) ([]interface{}, error) {
	toInsert := make([]interface{}, len(docs))
	for i, d := range docs {
		toInsert[i] = d
	}

	result, err := s.coll.InsertMany(ctx, toInsert, options.InsertMany().SetOrdered(false))
	if err == nil {
		return result.InsertedIDs, nil
	}

	if _, ok := err.(mongo.BulkWriteException); !ok {
		if result != nil {
			return result.InsertedIDs, err
		}
		return nil, err
	}

	// Partial failure: some documents were rejected as duplicates. Find out
	// which ones actually landed by re-querying each ID individually.
	var insertedIDs []interface{}
	for _, doc := range docs {
		_, findErr := s.coll.FindOne(ctx, bson.M{"_id": doc.ID}).DecodeBytes()
		if findErr == nil {
			insertedIDs = append(insertedIDs, doc.ID)
		}
	}
	return insertedIDs, nil
}

func (s *MongoMetadataStore) FindByURL(ctx context.Context, url string) (*PageMetadata, error) {
	var meta PageMetadata
	err := s.coll.FindOne(ctx, bson.M{"url": url}).Decode(&meta)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// MongoContentStore adapts a *mongo.Collection to ContentStore.
type MongoContentStore struct {
	coll *mongo.Collection
}

// NewMongoContentStore wraps the given pages_content collection.
func NewMongoContentStore(coll *mongo.Collection) *MongoContentStore {
	return &MongoContentStore{coll: coll}
}

// EnsureIndexes creates the page_id lookup index used by GetPage.
func (s *MongoContentStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "page_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating content index: %w", err)
	}
	return nil
}

func (s *MongoContentStore) InsertMany(ctx context.Context, docs []PageContent) error {
	toInsert := make([]interface{}, len(docs))
	for i, d := range docs {
		toInsert[i] = d
	}
	_, err := s.coll.InsertMany(ctx, toInsert)
	return err
}

// ReconcileOrphans deletes content documents whose page_id has no matching
// metadata document, and metadata documents whose id has no content
// counterpart. It is repair tooling for interrupted flushes; nothing in
// the crawl path invokes it.
func ReconcileOrphans(ctx context.Context, metadata, content *mongo.Collection) (removedMetadata, removedContent int64, err error) {
	metadataIDs, err := metadata.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return 0, 0, fmt.Errorf("listing metadata ids: %w", err)
	}
	contentPageIDs, err := content.Distinct(ctx, "page_id", bson.M{})
	if err != nil {
		return 0, 0, fmt.Errorf("listing content page ids: %w", err)
	}

	metaSet := make(map[interface{}]bool, len(metadataIDs))
	for _, id := range metadataIDs {
		metaSet[id] = true
	}
	contentSet := make(map[interface{}]bool, len(contentPageIDs))
	for _, id := range contentPageIDs {
		contentSet[id] = true
	}

	var orphanedContent []interface{}
	for _, id := range contentPageIDs {
		if !metaSet[id] {
			orphanedContent = append(orphanedContent, id)
		}
	}
	var orphanedMetadata []interface{}
	for _, id := range metadataIDs {
		if !contentSet[id] {
			orphanedMetadata = append(orphanedMetadata, id)
		}
	}

	if len(orphanedContent) > 0 {
		result, err := content.DeleteMany(ctx, bson.M{"page_id": bson.M{"$in": orphanedContent}})
		if err != nil {
			return 0, 0, fmt.Errorf("deleting orphaned content: %w", err)
		}
		removedContent = result.DeletedCount
	}
	if len(orphanedMetadata) > 0 {
		result, err := metadata.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": orphanedMetadata}})
		if err != nil {
			return removedMetadata, removedContent, fmt.Errorf("deleting orphaned metadata: %w", err)
		}
		removedMetadata = result.DeletedCount
	}
	return removedMetadata, removedContent, nil
}

func (s *MongoContentStore) FindByPageID(ctx context.Context, pageID interface{}) (*PageContent, error) {
	var content PageContent
	err := s.coll.FindOne(ctx, bson.M{"page_id": pageID}).Decode(&content)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &content, nil
}
