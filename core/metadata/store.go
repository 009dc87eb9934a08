package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no record exists for a logical key.
var ErrNotFound = errors.New("image_not_found")

// Record is the durable metadata for one logical image.
type Record struct {
	Key      string `json:"key"`
	FileID   string `json:"id"`
	Name     string `json:"name"`
	Format   string `json:"format"`
	Width    uint   `json:"width"`
	Variants []uint `json:"variants"`
}

// HasVariant reports whether a derivative at the given width was persisted.
func (r *Record) HasVariant(width uint) bool {
	for _, w := range r.Variants {
		if w == width {
			return true
		}
	}
	return false
}

// Store is the key/value capability backing image metadata.
//
// No compare-and-swap is assumed for Put; callers must tolerate lost updates
// under concurrent writers. AppendVariant is the atomic, idempotent path for
// the one mutation the system performs after ingest.
type Store interface {
	// Get returns the record for a key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Put stores a whole record. A zero ttl means no expiry.
	Put(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	// AppendVariant adds a width to the record's variant set. It is a no-op
	// when the width is already present or the record is absent.
	AppendVariant(ctx context.Context, key string, width uint) error
}
