// Package entitlement caches paid-feature tiers in Redis in front of the
// authoritative entitlement source.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/domain"
)

const keyPrefix = "entitlement:"

var (
	ErrNotFound         = errors.New("entitlement not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// Source is the authoritative entitlement store consulted on a cache miss.
type Source interface {
	Fetch(ctx context.Context, uid domain.UserID) (*domain.EntitlementRecord, error)
}

// FreeSource answers every lookup with the free tier; used when no
// authoritative source is configured.
type FreeSource struct{}

func (FreeSource) Fetch(_ context.Context, uid domain.UserID) (*domain.EntitlementRecord, error) {
	return domain.FreeRecord(uid), nil
}

func Key(uid domain.UserID) string { return keyPrefix + string(uid) }

type Cache struct {
	rdb      redis.Cmdable
	source   Source
	ttl      time.Duration
	secret   []byte
	now      func() time.Time
	validate *validator.Validate
	log      zerolog.Logger
}

type Option func(*Cache)

func WithSource(s Source) Option {
	return func(c *Cache) {
		if s != nil {
			c.source = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithWebhookSecret(secret string) Option {
	return func(c *Cache) { c.secret = []byte(secret) }
}

func New(rdb redis.Cmdable, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		rdb:      rdb,
		source:   FreeSource{},
		ttl:      ttl,
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("module", "entitlement").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) load(ctx context.Context, uid domain.UserID) (*domain.EntitlementRecord, error) {
	b, err := c.rdb.Get(ctx, Key(uid)).Bytes()
	if err != nil {
		return nil, err
	}
	var rec domain.EntitlementRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		c.log.Warn().Err(err).Str("user", string(uid)).Msg("corrupt cached record, treating as miss")
		return nil, redis.Nil
	}
	return &rec, nil
}

func (c *Cache) store(ctx context.Context, rec *domain.EntitlementRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}
	return c.rdb.Set(ctx, Key(rec.UserID), b, c.ttl).Err()
}

// Get reads through the cache. Records whose expiry has passed come back as
// free and the downgrade is written back.
func (c *Cache) Get(ctx context.Context, uid domain.UserID) (*domain.EntitlementRecord, error) {
	now := c.now()
	rec, err := c.load(ctx, uid)
	switch {
	case err == nil:
		if rec.Expired(now) {
			rec.Downgrade()
			if err := c.store(ctx, rec); err != nil {
				c.log.Warn().Err(err).Str("user", string(uid)).Msg("write back downgrade")
			} else {
				c.log.Info().Str("user", string(uid)).Msg("expired entitlement downgraded")
			}
		}
		return rec, nil
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn().Err(err).Str("user", string(uid)).Msg("redis unavailable, reading source")
	}
	redisUp := err == nil || errors.Is(err, redis.Nil)

	rec, err = c.source.Fetch(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		rec, err = domain.FreeRecord(uid), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch entitlement %s: %w", uid, err)
	}
	rec.UserID = uid
	if rec.Expired(now) {
		rec.Downgrade()
	} else {
		rec.Features = domain.FeaturesFor(rec.Tier)
	}
	rec.CachedAt = now
	if redisUp {
		if err := c.store(ctx, rec); err != nil {
			c.log.Warn().Err(err).Str("user", string(uid)).Msg("repopulate cache")
		}
	}
	return rec, nil
}

// Set overwrites the cached record and its TTL. Rewriting an unchanged tier
// and expiry keeps the original CachedAt, so repeated deliveries store the
// same bytes.
func (c *Cache) Set(ctx context.Context, uid domain.UserID, rec *domain.EntitlementRecord) error {
	rec.UserID = uid
	rec.Features = domain.FeaturesFor(rec.Tier)
	rec.CachedAt = c.now()
	if prev, err := c.load(ctx, uid); err == nil && prev.Tier == rec.Tier && sameExpiry(prev.ExpiresAt, rec.ExpiresAt) {
		rec.CachedAt = prev.CachedAt
	}
	if err := c.store(ctx, rec); err != nil {
		return fmt.Errorf("set entitlement %s: %w", uid, err)
	}
	return nil
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (c *Cache) Invalidate(ctx context.Context, uid domain.UserID) error {
	if err := c.rdb.Del(ctx, Key(uid)).Err(); err != nil {
		return fmt.Errorf("invalidate entitlement %s: %w", uid, err)
	}
	return nil
}

func (c *Cache) IsPremium(ctx context.Context, uid domain.UserID) bool {
	rec, err := c.Get(ctx, uid)
	if err != nil {
		c.log.Warn().Err(err).Str("user", string(uid)).Msg("premium check failed, assuming free")
		return false
	}
	return rec.Tier.Premium()
}

// GetFeatures performs a single read and derives the set from the tier.
func (c *Cache) GetFeatures(ctx context.Context, uid domain.UserID) domain.FeatureSet {
	rec, err := c.Get(ctx, uid)
	if err != nil {
		return domain.FeaturesFor(domain.TierFree)
	}
	return domain.FeaturesFor(rec.Tier)
}
