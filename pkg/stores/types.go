package stores

import (
	"context"
	"time"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/warmer"
)

// ValidatorRecord is a persisted compiled validator row.
type ValidatorRecord struct {
	CacheKey    string    `json:"cache_key"`
	SchemaID    string    `json:"schema_id"`
	SchemaHash  string    `json:"schema_hash"`
	ClassName   string    `json:"class_name"`
	OptionsHash string    `json:"options_hash"`
	Plan        []byte    `json:"plan"` // JSON-encoded compiler.Plan
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
}

// Key returns the cache key of the record.
func (r *ValidatorRecord) Key() cache.Key {
	return cache.Key{
		SchemaID:    r.SchemaID,
		SchemaHash:  r.SchemaHash,
		ClassName:   r.ClassName,
		OptionsHash: r.OptionsHash,
	}
}

// Store defines the persistence layer: the slow validator tier plus the
// warmer's access history.
type Store interface {
	cache.Tier
	warmer.HistoryStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Validator records
	ListValidators(ctx context.Context, schemaID *string, limit, offset int) ([]*ValidatorRecord, error)
	DeleteStaleValidators(ctx context.Context, accessedBefore time.Time) (int64, error)
	CountValidators(ctx context.Context) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store               = (*SQLiteStore)(nil)
	_ cache.Tier          = (*SQLiteStore)(nil)
	_ warmer.HistoryStore = (*SQLiteStore)(nil)
)
