package entitlement

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/QuizVoice/internal/domain"
)

const maxWebhookBody = 64 << 10

type Handler struct {
	Cache *Cache
}

func NewHandler(c *Cache) *Handler { return &Handler{Cache: c} }

// HandleWebhook serves POST /api/webhooks/entitlement.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}
	err = h.Cache.HandleWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid signature"})
	case errors.Is(err, ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "cache unavailable"})
	}
}

// HandleGet serves GET /api/entitlements/:userId.
func (h *Handler) HandleGet(c *gin.Context) {
	uid := domain.UserID(c.Param("userId"))
	if uid == "" || len(uid) > domain.MaxUserIDLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	rec, err := h.Cache.Get(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "entitlement unavailable"})
		return
	}
	c.JSON(http.StatusOK, Summary{UserID: uid, Tier: rec.Tier, Features: domain.FeaturesFor(rec.Tier)})
}
