package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/QuizVoice/internal/adapters/relay"
	"github.com/dkeye/QuizVoice/internal/adapters/signal"
	"github.com/dkeye/QuizVoice/internal/config"
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/entitlement"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

// Services are the handlers mounted by the router. Nil members are skipped.
type Services struct {
	Signal       *signal.SignalWSController
	Relay        *relay.RelayWSController
	Entitlements *entitlement.Handler
	Rooms        core.RoomManager
}

// ClientTokenMiddleware keeps a per-browser id in the session cookie; it
// only correlates log lines and never authenticates.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc Services) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", entitlement.SignatureHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("QuizVoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := r.Group("/api")

	if svc.Signal != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws signal endpoint hit")
			svc.Signal.HandleSignal(ctx, c)
		})
	}
	if svc.Relay != nil {
		api.GET("/ws/relay", func(c *gin.Context) {
			svc.Relay.HandleRelay(ctx, c)
		})
	}
	if svc.Entitlements != nil {
		api.POST("/webhooks/entitlement", svc.Entitlements.HandleWebhook)
		api.GET("/entitlements/:userId", svc.Entitlements.HandleGet)
	}
	if svc.Rooms != nil {
		api.GET("/rooms", func(c *gin.Context) {
			rooms := make([]core.RoomInfo, 0)
			for _, info := range svc.Rooms.List() {
				if info.Visibility == domain.VisibilityPublic {
					rooms = append(rooms, info)
				}
			}
			c.JSON(http.StatusOK, gin.H{"rooms": rooms})
		})
	}

	log.Info().Str("module", "adapters.http").Strs("origins", cfg.CORS.AllowedOrigins).Msg("router setup")
	return r
}
