package entitlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/QuizVoice/internal/domain"
)

const SignatureHeader = "X-Signature"

type WebhookPayload struct {
	UserID        domain.UserID `json:"userId" validate:"required,max=36"`
	PremiumStatus domain.Tier   `json:"premiumStatus" validate:"required,oneof=free premium lifetime"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Cache) verify(body []byte, signature string) bool {
	if len(c.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// HandleWebhook verifies and applies one entitlement change. The stored TTL
// is reset regardless of what was cached, so retries converge.
func (c *Cache) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !c.verify(body, signature) {
		c.log.Warn().Msg("webhook rejected: bad signature")
		return ErrInvalidSignature
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := c.validate.Struct(p); err != nil {
		c.log.Warn().Err(err).Msg("webhook rejected: validation")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	rec := domain.NewEntitlementRecord(p.UserID, p.PremiumStatus, p.ExpiresAt)
	if err := c.Set(ctx, p.UserID, rec); err != nil {
		return err
	}
	c.log.Info().Str("user", string(p.UserID)).Str("tier", string(p.PremiumStatus)).Msg("webhook applied")
	return nil
}

func (c *Cache) ApplyWebhook(ctx context.Context, body []byte, signature string) bool {
	return c.HandleWebhook(ctx, body, signature) == nil
}
