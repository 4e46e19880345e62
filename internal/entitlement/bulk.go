package entitlement

import (
	"context"
	"encoding/json"

	"github.com/dkeye/QuizVoice/internal/domain"
)

// BulkSet writes every record in one pipeline. Failures are logged per key
// and do not stop the batch; it returns how many were stored.
func (c *Cache) BulkSet(ctx context.Context, records []*domain.EntitlementRecord) int {
	if len(records) == 0 {
		return 0
	}
	now := c.now()
	pipe := c.rdb.Pipeline()
	queued := make([]domain.UserID, 0, len(records))
	for _, rec := range records {
		if rec == nil || rec.UserID == "" {
			c.log.Warn().Msg("bulk: skipping record without user")
			continue
		}
		rec.Features = domain.FeaturesFor(rec.Tier)
		rec.CachedAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			c.log.Warn().Err(err).Str("user", string(rec.UserID)).Msg("bulk: marshal")
			continue
		}
		pipe.Set(ctx, Key(rec.UserID), b, c.ttl)
		queued = append(queued, rec.UserID)
	}
	if len(queued) == 0 {
		return 0
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil && len(cmds) == 0 {
		c.log.Error().Err(err).Int("records", len(queued)).Msg("bulk: pipeline failed")
		return 0
	}
	stored := 0
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			c.log.Warn().Err(cmd.Err()).Str("user", string(queued[i])).Msg("bulk: set failed")
			continue
		}
		stored++
	}
	c.log.Info().Int("stored", stored).Int("records", len(records)).Msg("bulk update")
	return stored
}
