package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/pixserve/pixserve/core/infra/logging"
)

const credentialKey = "b2:credential"

// Authorizer issues fresh credentials.
type Authorizer interface {
	Authorize(ctx context.Context) (*Credential, error)
}

// CredentialCache hands out the current credential, refreshing it on expiry.
// Concurrent misses share one in-flight authorization call; cache writes are
// always whole-record replacements.
type CredentialCache struct {
	auth   Authorizer
	client redis.UniversalClient
	ttl    time.Duration
	flight singleflight.Group
	now    func() time.Time
}

// NewCredentialCache builds a cache over the given authorizer and Redis
// client. ttl is the credential lifetime (24h in production).
func NewCredentialCache(auth Authorizer, client redis.UniversalClient, ttl time.Duration) *CredentialCache {
	return &CredentialCache{
		auth:   auth,
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Token returns an unexpired credential, authenticating upstream when the
// cached one is absent or stale. Every failure maps to ErrAuth.
func (c *CredentialCache) Token(ctx context.Context) (*Credential, error) {
	if cred := c.cached(ctx); cred != nil {
		return cred, nil
	}

	v, err, _ := c.flight.Do(credentialKey, func() (any, error) {
		// Re-check: a concurrent flight may have refreshed already.
		if cred := c.cached(ctx); cred != nil {
			return cred, nil
		}
		cred, err := c.auth.Authorize(ctx)
		if err != nil {
			return nil, err
		}
		cred.ExpiresAt = c.now().Add(c.ttl)
		if err := c.store(ctx, cred); err != nil {
			// The credential itself is valid; a failed cache write only
			// costs a refresh on the next request.
			logging.Error("origin", "credential cache write failed", "error", err)
		}
		return cred, nil
	})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return v.(*Credential), nil
}

func (c *CredentialCache) cached(ctx context.Context) *Credential {
	data, err := c.client.Get(ctx, credentialKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Error("origin", "credential cache read failed", "error", err)
		}
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		logging.Error("origin", "credential cache decode failed", "error", err)
		return nil
	}
	if cred.Expired(c.now()) {
		return nil
	}
	return &cred
}

func (c *CredentialCache) store(ctx context.Context, cred *Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := c.client.Set(ctx, credentialKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}
