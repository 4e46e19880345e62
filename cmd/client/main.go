package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/QuizVoice/internal/adapters/rtc"
	"github.com/dkeye/QuizVoice/internal/config"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/entitlement"
	"github.com/dkeye/QuizVoice/internal/fallback"
	"github.com/dkeye/QuizVoice/internal/health"
	"github.com/dkeye/QuizVoice/internal/media"
	"github.com/dkeye/QuizVoice/internal/signalclient"
	"github.com/dkeye/QuizVoice/internal/store"
	"github.com/dkeye/QuizVoice/internal/voice"
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

	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	config.Flags(fs)
	userID := fs.String("user", "", "user id")
	username := fs.String("username", "", "display name")
	token := fs.String("token", "", "signaling token")
	roomID := fs.String("room", "lobby", "room to join")
	withVoice := fs.Bool("voice", true, "join voice after entering the room")
	_ = fs.Parse(os.Args[1:])

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("failed to load config")
	}
	setupLogger(cfg.Mode)
	if *userID == "" {
		log.Fatal().Str("module", "main").Msg("--user is required")
	}
	uid := domain.UserID(*userID)

	ice := rtc.WebRTCConfig(cfg.ICE.STUNURLs)
	newSource := func() rtc.AudioSource { return rtc.NewSilenceSource() }
	dialer := rtc.NewRelayDialer(cfg.Relay.URL, ice, newSource)

	st := store.New(ctx)
	defer st.Close()

	var ctl *voice.Controller
	monitor := health.NewMonitor(health.ProberFunc(func(pctx context.Context) error {
		return dialer.Probe(pctx, ctl.RelayToken())
	}), health.Config{
		Interval:   cfg.Health.Interval,
		Timeout:    cfg.Health.Timeout,
		MaxRetries: cfg.Health.MaxRetries,
	})

	ctl = voice.New(voice.Deps{
		Signal: signalclient.New(signalclient.Config{
			URL:        cfg.Signal.URL,
			Username:   *username,
			BaseDelay:  cfg.Signal.BaseDelay,
			MaxDelay:   cfg.Signal.MaxDelay,
			Heartbeat:  cfg.Signal.Heartbeat,
			AckTimeout: cfg.Signal.AckTimeout,
		}),
		Media:        media.NewSession(dialer),
		Pool:         fallback.NewPool(rtc.NewPeerFactory(ice, uid, newSource)),
		Monitor:      monitor,
		Store:        st,
		Entitlements: entitlement.NewRemote(cfg.APIURL),
	})
	defer ctl.Close()

	st.Subscribe(func(uint64) {
		v := store.Select(st, store.VoiceState)
		log.Debug().
			Str("module", "main").
			Str("mode", string(v.Mode)).
			Bool("muted", v.Muted).
			Int("voice_participants", len(store.Select(st, store.VoiceParticipants))).
			Msg("state")
	})

	startCtx, startCancel := context.WithTimeout(ctx, time.Minute)
	err = ctl.Start(startCtx, uid, *token)
	startCancel()
	if err != nil {
		log.Fatal().Err(err).Str("module", "main").Msg("signaling unavailable")
	}
	if err := ctl.JoinRoom(ctx, domain.RoomID(*roomID), domain.RoomKindMatch); err != nil {
		log.Fatal().Err(err).Str("module", "main").Str("room", *roomID).Msg("join room failed")
	}
	if *withVoice {
		if err := ctl.JoinVoice(ctx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("join voice failed")
		}
	}
	log.Info().Str("module", "main").Str("user", *userID).Str("room", *roomID).Msg("QuizVoice client running")

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("Shutting down")
}
