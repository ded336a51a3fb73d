// Command plexbridge runs the PlexBridge daemon: it emulates an HDHomeRun
// tuner over SSDP and an HDHomeRun-compatible HTTP API so Plex Media Server
// can consume IPTV streams configured in the repository as live TV channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/epg"
	"github.com/plexbridge/plexbridge/internal/eventbus"
	"github.com/plexbridge/plexbridge/internal/httpclient"
	"github.com/plexbridge/plexbridge/internal/logging"
	"github.com/plexbridge/plexbridge/internal/metrics"
	"github.com/plexbridge/plexbridge/internal/model"
	"github.com/plexbridge/plexbridge/internal/repository/sqlite"
	"github.com/plexbridge/plexbridge/internal/session"
	"github.com/plexbridge/plexbridge/internal/ssdp"
	"github.com/plexbridge/plexbridge/internal/tunerhttp"
	"github.com/plexbridge/plexbridge/internal/upstream"
)

func main() {
	configPath := flag.String("config", "plexbridge.yaml", "path to YAML config file")
	dbPath := flag.String("db", "plexbridge.db", "path to sqlite database file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logPretty := flag.Bool("log-pretty", false, "use console-friendly log output instead of JSON")
	ffmpegPath := flag.String("ffmpeg", "ffmpeg", "path to the ffmpeg binary")
	flag.Parse()

	logging.Configure(logging.Config{Level: *logLevel, Pretty: *logPretty})
	logger := logging.WithComponent("main")

	if err := config.LoadEnvFile(".env"); err != nil {
		logger.Warn().Err(err).Msg("failed to read .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	repo, err := sqlite.Open(*dbPath, sqlite.DefaultOptions())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open repository")
	}
	defer repo.Close()

	bus := eventbus.New(0)

	watcher, err := config.NewWatcher(*configPath, cfg, bus)
	if err != nil {
		logger.Warn().Err(err).Msg("config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector := upstream.NewDetector(httpclient.Default())
	sessions := session.NewManager(cfg.Streaming, repo, detector, bus, *ffmpegPath)
	go sessions.Run(ctx)

	metricsSub := metrics.NewSubscriber(bus)
	go metricsSub.Run(ctx)
	tunerhttp.SetMetricsHandler(metrics.Handler())

	identity := buildIdentity(cfg.Tuner, cfg.Streaming.MaxConcurrentStreams)
	httpServer := tunerhttp.New(identity, repo, sessions, bus)

	addr := fmt.Sprintf(":%d", cfg.Tuner.StreamingPort)
	srv := &http.Server{Addr: addr, Handler: httpServer.Handler()}
	go func() {
		logger.Info().Str("addr", addr).Msg("tuner HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("tuner HTTP server failed")
		}
	}()

	var responder *ssdp.Responder
	if cfg.SSDP.Enabled {
		responder = ssdp.New(cfg.Tuner.DeviceID, identity.BaseURL+"/device.xml", cfg.SSDP.MulticastAddress, cfg.SSDP.AnnounceInterval)
		go func() {
			if err := responder.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("ssdp responder stopped")
			}
		}()
	}

	ingester := epg.New(repo, nil)
	go func() {
		if err := ingester.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("epg ingester stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
}

func buildIdentity(t config.Tuner, tunerCount int) model.TunerIdentity {
	count := t.TunerCount
	if count <= 0 {
		count = tunerCount
	}
	return model.TunerIdentity{
		DeviceID:     t.DeviceID,
		FriendlyName: t.FriendlyName,
		Manufacturer: t.Manufacturer,
		ModelName:    t.ModelName,
		Firmware:     t.FirmwareVersion,
		TunerCount:   count,
		BaseURL:      resolveBaseURL(t.AdvertisedHost, t.StreamingPort),
	}
}

// resolveBaseURL returns settings.advertised_host verbatim when set (normally
// a full URL such as "http://10.0.0.5:8080"), trimmed of any trailing slash.
// No scheme is added to a bare host; it is used as given. An empty or unset
// value falls back to http://localhost:<port>.
func resolveBaseURL(advertisedHost string, port int) string {
	host := strings.TrimSpace(advertisedHost)
	if host != "" {
		return strings.TrimRight(host, "/")
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
