package retrieval

import (
	"context"
	"strings"
	"time"
)

// GeneralCollection holds PII-scrubbed summaries shared by every owner.
const GeneralCollection = "general"

const userCollectionPrefix = "user/"

// UserCollection names the per-owner collection. It never equals
// GeneralCollection.
func UserCollection(owner string) string {
	return userCollectionPrefix + owner
}

// IsUserCollection reports whether name is a per-owner collection.
func IsUserCollection(name string) bool {
	return strings.HasPrefix(name, userCollectionPrefix)
}

// VectorStore is the interface for vector storage and similarity search
// backends. Records are append-only and partitioned by collection; a search
// never crosses collections.
type VectorStore interface {
	// Insert appends records to collection, creating it if absent.
	Insert(ctx context.Context, collection string, records []Record) error

	// Search returns up to topK records of collection most similar to vector,
	// best first. An absent or empty collection yields no results.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error)

	// Count returns the number of records in collection.
	Count(ctx context.Context, collection string) (int, error)
}

// Record is one stored chunk.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a cosine similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
