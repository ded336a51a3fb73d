// Package logging configures the process-wide zerolog logger and exposes
// component-scoped child loggers, grounded on the structured-logging setup
// used elsewhere in the retrieval corpus (Configure/WithComponent pattern).
package logging

import (
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Config captures the options needed to initialize the global logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; defaults to "info"
	Output  io.Writer // defaults to os.Stdout
	Pretty  bool      // use zerolog.ConsoleWriter instead of JSON (dev mode)
	Service string    // attached to every log line; defaults to "plexbridge"
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Configure initializes the global logger. Safe to call once at startup;
// later calls replace the global logger atomically.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writer io.Writer = cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
	}

	service := cfg.Service
	if service == "" {
		service = "plexbridge"
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Logger()
	initialized = true
}

func ensureInitialized() {
	mu.RLock()
	if initialized {
		mu.RUnlock()
		return
	}
	mu.RUnlock()
	Configure(Config{})
}

// L returns the process-wide logger.
func L() zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger tagged with component=name, the unit
// every package-level logger in this codebase is derived from.
func WithComponent(name string) zerolog.Logger {
	return L().With().Str("component", name).Logger()
}

// Middleware logs each HTTP request at Info level with method, path, status,
// duration, and chi's per-request id.
func Middleware(next http.Handler) http.Handler {
	logger := WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
