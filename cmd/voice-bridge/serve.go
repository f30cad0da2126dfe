package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/sjawhar/voice-bridge/internal/audio"
	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/config"
	"github.com/sjawhar/voice-bridge/internal/gdrive"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/server"
	"github.com/sjawhar/voice-bridge/internal/session"
	"github.com/sjawhar/voice-bridge/internal/storage"
	"github.com/sjawhar/voice-bridge/internal/summary"
	"github.com/sjawhar/voice-bridge/internal/transport/rtc"
	"github.com/sjawhar/voice-bridge/internal/transport/wstransport"
)

//go:embed static/*
var staticFiles embed.FS

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web UI and the session controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, warnings)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config, warnings []string) error {
	logger := slog.Default()
	logger.Info("voice-bridge starting", "transport", cfg.Transport, "backend", cfg.BackendURL)
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer func() { _ = store.Close() }()

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}

	hub := server.NewHub()

	var summarizer session.Summarizer
	var presets func() map[string]config.Preset
	if summariesEnabled(cfg) {
		summarizer = summary.New(cfg.Summarization, summary.NewFactory(cfg), store)
		presets = func() map[string]config.Preset { return cfg.Summarization.Presets }
	}
	archive := session.NewArchive(store, storage.NewWriter(cfg.TranscriptDir), summarizer, hub, logger)

	if cfg.GDriveFolderID != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			logger.Warn("drive export disabled", "error", err)
		} else {
			archive.SetUploader(syncer)
		}
	}

	httpClient := backendHTTPClient(ctx, cfg)
	backend, err := bot.NewClient(cfg.BackendURL, httpClient)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Backend:  backend,
		Observer: hub,
		Archiver: archive,
	}

	var rtcTransport *rtc.Transport
	switch cfg.Transport {
	case config.TransportWebRTC:
		rtcTransport = rtc.New(rtc.Options{
			BackendURL: cfg.BackendURL,
			ICEServers: cfg.ICEServers,
			HTTPClient: httpClient,
			Logger:     logger,
		})
		deps.Transport = rtcTransport
	default:
		deps.Transport = wstransport.New(backend, wstransport.Options{URL: cfg.WSURL, Logger: logger})
	}

	var recorder *audio.Recorder
	if cfg.RecordAudio {
		recorder = audio.NewRecorder(cfg.AudioDir, logger)
		deps.Recorder = recorder
	}

	if cfg.MicEnabled {
		audio.Init()
		defer audio.Terminate()

		rates := cfg.SampleRateCandidates()
		if rtcTransport != nil {
			rates = slices.DeleteFunc(rates, func(r int) bool { return !slices.Contains(rtc.SupportedSampleRates, r) })
		}
		deps.Device = &sessionMic{
			Microphone: audio.NewMicrophone(rates, logger),
			recorder:   recorder,
			rtc:        rtcTransport,
		}
	}

	controller := session.NewController(deps, session.Options{
		ConnectTimeout:    cfg.ParsedConnectTimeout(),
		BotRequestTimeout: cfg.ParsedBotRequestTimeout(),
		AutoActivate:      cfg.AutoActivate,
		IdleTimeout:       cfg.ParsedIdleTimeout(),
		Sources:           room.DefaultSources(),
		Logger:            logger,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = controller.Run(runCtx)
	}()

	controls := server.ControlHooks{
		Session:  controller,
		Warnings: func() []string { return warnings },
		Presets:  presets,
	}
	if summarizer != nil {
		controls.Resummarize = archive.Resummarize
	}

	handler, err := server.Handler(assets, hub, store, controls)
	if err != nil {
		cancelRun()
		return fmt.Errorf("build http handler: %w", err)
	}

	serveErr := server.Serve(ctx, cfg.ListenAddr, handler)

	logger.Info("voice-bridge shutting down")
	cancelRun()
	select {
	case <-runDone:
	case <-time.After(shutdownTimeout):
		logger.Warn("timed out waiting for session teardown")
	}
	return serveErr
}

func summariesEnabled(cfg config.Config) bool {
	if len(cfg.Summarization.Presets) == 0 {
		return false
	}
	provider, _, ok := strings.Cut(cfg.Summarization.Model, "/")
	return ok && cfg.APIKey(provider) != ""
}

// backendHTTPClient returns the client used for bot backend calls, sending
// the backend token as a bearer token when one is configured.
func backendHTTPClient(ctx context.Context, cfg config.Config) *http.Client {
	base := bot.NewHTTPClient(cfg.ParsedBotRequestTimeout())
	if cfg.BackendToken == "" {
		return base
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BackendToken}))
}

// sessionMic hands the negotiated capture rate to the recorder and the
// WebRTC encoder before any audio flows.
type sessionMic struct {
	*audio.Microphone
	recorder *audio.Recorder
	rtc      *rtc.Transport
}

func (m *sessionMic) Open(ctx context.Context) error {
	if err := m.Microphone.Open(ctx); err != nil {
		return err
	}
	rate := m.SampleRate()
	if m.recorder != nil {
		m.recorder.SetSampleRate(rate)
	}
	if m.rtc != nil {
		if err := m.rtc.SetSampleRate(rate); err != nil {
			_ = m.Microphone.Close()
			return err
		}
	}
	return nil
}
