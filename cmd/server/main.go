package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/QuizVoice/internal/adapters/http"
	"github.com/dkeye/QuizVoice/internal/adapters/relay"
	"github.com/dkeye/QuizVoice/internal/adapters/rtc"
	sigctl "github.com/dkeye/QuizVoice/internal/adapters/signal"
	"github.com/dkeye/QuizVoice/internal/app"
	"github.com/dkeye/QuizVoice/internal/app/orch"
	"github.com/dkeye/QuizVoice/internal/app/sfu"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/config"
	"github.com/dkeye/QuizVoice/internal/entitlement"
)

func setupLogger(mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	// Console output until the mode is known.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("failed to load config")
	}
	setupLogger(cfg.Mode)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Str("url", cfg.Redis.URL).Msg("bad redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("module", "main").Msg("redis unreachable, entitlements served from source")
	}

	entOpts := []entitlement.Option{entitlement.WithWebhookSecret(cfg.Entitlement.WebhookSecret)}
	if cfg.Entitlement.SourceURL != "" {
		entOpts = append(entOpts, entitlement.WithSource(entitlement.NewHTTPSource(cfg.Entitlement.SourceURL)))
	}
	ents := entitlement.New(rdb, cfg.Entitlement.TTL, entOpts...)

	relayTokens := auth.NewRelayIssuer(cfg.Relay.TokenSecret, cfg.Relay.TokenTTL)
	signalTokens := auth.NewSignalIssuer(cfg.Auth.TokenSecret, 24*time.Hour)
	ice := rtc.WebRTCConfig(cfg.ICE.STUNURLs)

	policy := app.SimplePolicy{}
	coordRooms := app.NewRoomManager()
	coord := &orch.Orchestrator{
		Registry:     app.NewRegistry(),
		Rooms:        coordRooms,
		Policy:       policy,
		Entitlements: ents,
		RelayTokens:  relayTokens,
		RelayURL:     cfg.Relay.URL,
	}
	media := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   policy,
		Relays:   sfu.NewRelayManager(),
	}

	signalCtl := sigctl.NewSignalWSController(coord, sigctl.Options{
		Tokens:         signalTokens,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
	})
	relayCtl := relay.NewRelayWSController(media, relayTokens, ice)
	relayCtl.ReadLimit = cfg.ReadLimit

	r := router.SetupRouter(ctx, cfg, router.Services{
		Signal:       signalCtl,
		Relay:        relayCtl,
		Entitlements: entitlement.NewHandler(ents),
		Rooms:        coordRooms,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("QuizVoice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("module", "main").Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("Server forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
}
