package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/bamboo0911/never-ending-drum-party/backend/config"
	"github.com/bamboo0911/never-ending-drum-party/backend/host"
	"github.com/bamboo0911/never-ending-drum-party/backend/relay"
	httpServer "github.com/bamboo0911/never-ending-drum-party/backend/server/http"
	websocketServer "github.com/bamboo0911/never-ending-drum-party/backend/server/websocket"
	"github.com/bamboo0911/never-ending-drum-party/backend/service"
	store "github.com/bamboo0911/never-ending-drum-party/backend/storage/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket party listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	// .env is optional, absence is not an error
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *apiListenAddr != "" {
		cfg.APIListenAddr = *apiListenAddr
	}
	if *wsListenAddr != "" {
		cfg.WSListenAddr = *wsListenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	clock := clockwork.NewRealClock()

	rooms := store.NewMemStore(store.Config{
		Logger:        &logger,
		Clock:         clock,
		IdleThreshold: cfg.Room.IdleThreshold,
		SweepInterval: cfg.Room.SweepInterval,
	})
	eventRelay := relay.NewRelay(relay.Config{
		Logger:        &logger,
		Clock:         clock,
		Rooms:         rooms,
		MinHitSpacing: cfg.Relay.MinHitSpacing,
	})
	hostCtrl := host.NewController(host.Config{
		Logger:               &logger,
		Clock:                clock,
		Rooms:                rooms,
		Broadcaster:          eventRelay,
		BPM:                  cfg.Countdown.BPM,
		BeatCount:            cfg.Countdown.BeatCount,
		Interval:             cfg.Countdown.Interval,
		StartDelay:           cfg.Countdown.StartDelay,
		StopCancelsCountdown: cfg.Countdown.StopCancelsCountdown,
	})
	svc := service.NewService(service.Config{
		RoomStore:   rooms,
		EventRelay:  eventRelay,
		HostControl: hostCtrl,
		Clock:       clock,
		Logger:      &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go rooms.Run(ctx)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
