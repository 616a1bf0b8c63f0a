package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callmesh/internal/adapters/devices"
	"github.com/dkeye/callmesh/internal/adapters/events"
	router "github.com/dkeye/callmesh/internal/adapters/http"
	"github.com/dkeye/callmesh/internal/adapters/records"
	"github.com/dkeye/callmesh/internal/adapters/relay"
	"github.com/dkeye/callmesh/internal/adapters/rtc"
	"github.com/dkeye/callmesh/internal/app/call"
	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/orch"
	"github.com/dkeye/callmesh/internal/app/quality"
	"github.com/dkeye/callmesh/internal/app/room"
	"github.com/dkeye/callmesh/internal/config"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:           "callmesh",
		Short:         "Call and room signaling engine for WebRTC clients",
		Long:          `callmesh runs the client side of 1:1 calls and speaker-mesh rooms: it talks to a signaling relay, owns the peer connections and capture devices, and exposes a local control API and event stream for the UI.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return run(cmd.Context(), cfg)
		},
	}
	config.Flags(root.Flags())

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("callmesh failed")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	local := domain.UserID(cfg.LocalID)

	source, err := devices.NewSource(cfg.Devices)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	factory, err := rtc.NewFactory(cfg.ICE)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	// One guard for both coordinators: a call and a room speaker slot
	// compete for the same microphone.
	guard := media.NewGuard(source)
	monitor := quality.New(cfg.Quality.Interval)
	hub := events.NewHub(events.DropPolicy{MaxDropped: cfg.Events.MaxDropped})

	var recorder core.CallRecorder = core.NopRecorder{}
	var recordsClient *records.Client
	if cfg.Records.URL != "" {
		recordsClient = records.New(cfg.Records, local)
		recorder = recordsClient
	}

	o := &orch.Orchestrator{Local: local, Events: hub}
	relayClient, err := relay.NewClient(cfg.Relay, nil, o.OnMessage, o.OnRelayState)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	calls := call.NewCoordinator(
		call.Config{Local: local, Timeout: cfg.Call.Timeout},
		call.Deps{
			Relay:    relayClient,
			Media:    guard,
			Factory:  factory,
			Quality:  monitor,
			Recorder: recorder,
			Events:   hub,
		},
	)
	rooms := room.NewCoordinator(
		room.Config{
			Local:          local,
			RetryAttempts:  cfg.Mesh.RetryAttempts,
			RetryBackoff:   cfg.Mesh.RetryBackoff,
			AnswerTimeout:  cfg.Mesh.AnswerTimeout,
			VAD:            cfg.VAD,
			SpeakingLimit:  cfg.Mesh.SpeakingLimit,
			SpeakingWindow: cfg.Mesh.SpeakingWindow,
		},
		room.Deps{
			Relay:   relayClient,
			Media:   guard,
			Factory: factory,
			Quality: monitor,
			Events:  hub,
		},
	)
	o.Calls, o.Rooms = calls, rooms

	r := router.SetupRouter(ctx, cfg, router.Deps{Calls: calls, Rooms: rooms, Events: hub, Relay: relayClient})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("local_id", cfg.LocalID).Msg("callmesh started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relayClient.Run(gctx)
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		calls.Close()
		rooms.Close()
		source.Wait()
		if recordsClient != nil {
			recordsClient.Wait()
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("callmesh exited")
	return err
}
