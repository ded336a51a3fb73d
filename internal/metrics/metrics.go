// Package metrics exposes process-wide Prometheus metrics (SPEC_FULL.md §5.8,
// §6 /api/metrics): counters/gauges for stream lifecycle, FFmpeg exits, and
// EPG ingestion, plus a Subscriber that keeps the bandwidth gauges current by
// listening on the eventbus rather than being polled by every caller.
//
// Metric shape (promauto package vars + a small Inc/Observe/Set API) is
// grounded on the metrics packages in the rest of the retrieved corpus
// (internal/metrics/streaming.go and friends), which use the same
// promauto.NewCounterVec/NewGaugeVec style this package follows.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexbridge/plexbridge/internal/eventbus"
	"github.com/plexbridge/plexbridge/internal/model"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexbridge_active_sessions",
		Help: "Current number of active streaming sessions.",
	})

	SessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_sessions_started_total",
		Help: "Total number of streaming sessions admitted, by channel.",
	}, []string{"channel_id"})

	SessionsStoppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_sessions_stopped_total",
		Help: "Total number of streaming sessions ended, by reason.",
	}, []string{"reason"})

	SessionBitrateBps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plexbridge_session_bitrate_bps",
		Help: "Current EWMA bitrate of each active session in bits per second.",
	}, []string{"session_id", "channel_id"})

	FFmpegExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_ffmpeg_exits_total",
		Help: "Total number of ffmpeg subprocess exits, by exit reason.",
	}, []string{"reason"})

	EPGIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_epg_ingest_total",
		Help: "Total number of EPG source ingest cycles, by source and result.",
	}, []string{"source_id", "result"})

	EPGProgramsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_epg_programs_ingested_total",
		Help: "Total number of programme rows ingested, by source.",
	}, []string{"source_id"})
)

// Handler returns the standard Prometheus scrape handler for /api/metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSessionStarted records a newly admitted session.
func ObserveSessionStarted(channelID string) {
	SessionsStartedTotal.WithLabelValues(channelID).Inc()
}

// ObserveSessionStopped records a session ending, categorized by reason (the
// session's CancelCause, e.g. client-disconnect, operator-terminated, upstream-eof).
func ObserveSessionStopped(reason string) {
	SessionsStoppedTotal.WithLabelValues(reason).Inc()
}

// ObserveFFmpegExit records an ffmpeg subprocess exit.
func ObserveFFmpegExit(reason string) {
	FFmpegExitsTotal.WithLabelValues(reason).Inc()
}

// ObserveEPGIngest records the outcome of one source's ingest cycle and, on
// success, the number of programme rows it produced.
func ObserveEPGIngest(sourceID string, success bool, programCount int) {
	result := "failure"
	if success {
		result = "success"
	}
	EPGIngestTotal.WithLabelValues(sourceID, result).Inc()
	if success && programCount > 0 {
		EPGProgramsIngested.WithLabelValues(sourceID).Add(float64(programCount))
	}
}

func exitCodeLabel(code int) string {
	if code == 0 {
		return "clean"
	}
	return "code_" + strconv.Itoa(code)
}

// Subscriber keeps the gauges (active session count, per-session bitrate)
// current by listening on the eventbus rather than requiring every caller to
// poll session.Manager directly.
type Subscriber struct {
	bus *eventbus.Bus
}

// NewSubscriber wires a Subscriber to bus. Call Run in its own goroutine.
func NewSubscriber(bus *eventbus.Bus) *Subscriber {
	return &Subscriber{bus: bus}
}

// Run consumes stream:started, stream:stopped, and streams:bandwidth:update
// events until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) {
	started := s.bus.Subscribe(eventbus.TopicStreamStarted)
	stopped := s.bus.Subscribe(eventbus.TopicStreamStopped)
	bandwidth := s.bus.Subscribe(eventbus.TopicBandwidthUpdate)
	defer started.Close()
	defer stopped.Close()
	defer bandwidth.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-started.C():
			if sess, ok := ev.Data.(model.Session); ok {
				ActiveSessions.Inc()
				ObserveSessionStarted(sess.ChannelID)
			}
		case ev := <-stopped.C():
			if sess, ok := ev.Data.(model.Session); ok {
				ActiveSessions.Dec()
				SessionBitrateBps.DeleteLabelValues(sess.ID, sess.ChannelID)
				ObserveSessionStopped(sess.CancelCause)
				if sess.FFmpegPID != 0 {
					ObserveFFmpegExit(exitCodeLabel(sess.ExitCode))
				}
			}
		case ev := <-bandwidth.C():
			if sessions, ok := ev.Data.([]model.Session); ok {
				for _, sess := range sessions {
					SessionBitrateBps.WithLabelValues(sess.ID, sess.ChannelID).Set(sess.CurrentBps)
				}
			}
		}
	}
}
