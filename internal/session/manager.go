// Package session admits streaming requests, spawns and supervises one
// ffmpeg subprocess per admitted session, and meters/relays its output.
// Admission, spawn, the streaming loop, and termination follow spec.md
// §4.3: a single mutex guards the session table and both concurrency
// counters so admission checks and counter updates never race; the
// streaming loop runs outside that mutex on its own goroutine per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/eventbus"
	"github.com/plexbridge/plexbridge/internal/ffmpeg"
	"github.com/plexbridge/plexbridge/internal/logging"
	"github.com/plexbridge/plexbridge/internal/model"
	"github.com/plexbridge/plexbridge/internal/repository"
	"github.com/plexbridge/plexbridge/internal/upstream"
)

const stderrRingCapacity = 64 * 1024

// startupFailureWindow is how long after spawn a nonzero ffmpeg exit is
// classified as Ffmpeg.StartupFailed rather than an ordinary mid-stream crash.
const startupFailureWindow = 2 * time.Second

const chunkSize = 64 * 1024

// AdmitRequest describes one incoming streaming request.
type AdmitRequest struct {
	ChannelID  string
	ClientIP   string
	UserAgent  string
	ClientKind model.ClientKind
}

// Manager admits, spawns, meters, and terminates streaming sessions.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*model.Session
	countByChannel map[string]int
	cancels        map[string]context.CancelFunc

	cfg        config.Streaming
	repo       repository.Repository
	detector   *upstream.Detector
	bus        *eventbus.Bus
	logger     zerolog.Logger
	ffmpegPath string
}

// NewManager builds a Manager. ffmpegPath is the resolved ffmpeg binary path
// (the caller is responsible for locating it, e.g. via exec.LookPath).
func NewManager(cfg config.Streaming, repo repository.Repository, detector *upstream.Detector, bus *eventbus.Bus, ffmpegPath string) *Manager {
	return &Manager{
		sessions:       make(map[string]*model.Session),
		countByChannel: make(map[string]int),
		cancels:        make(map[string]context.CancelFunc),
		cfg:            cfg,
		repo:           repo,
		detector:       detector,
		bus:            bus,
		logger:         logging.WithComponent("session"),
		ffmpegPath:     ffmpegPath,
	}
}

// ActiveSessions returns a snapshot of every currently tracked session.
func (m *Manager) ActiveSessions() []model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Session returns the tracked session by id, for operator-initiated termination.
func (m *Manager) Session(id string) (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Run publishes a streams:bandwidth:update snapshot of all active sessions
// once per second until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.bus.Publish(eventbus.TopicBandwidthUpdate, m.ActiveSessions())
		}
	}
}

// Stream admits req, spawns ffmpeg for its channel's active stream, and
// copies ffmpeg's stdout into w as MPEG-TS until ctx is canceled, the client
// write fails, or ffmpeg exits. It returns once the session is fully closed.
func (m *Manager) Stream(ctx context.Context, w io.Writer, req AdmitRequest) error {
	streams, err := m.repo.ListStreamsForChannel(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	stream := firstEnabledStream(streams)
	if stream == nil {
		return model.NewError(model.ErrNoStream, "channel has no enabled stream", nil)
	}

	sess := &model.Session{
		ID:         uuid.NewString(),
		StreamID:   stream.ID,
		ChannelID:  req.ChannelID,
		ClientIP:   req.ClientIP,
		UserAgent:  req.UserAgent,
		ClientKind: req.ClientKind,
		StartedAt:  time.Now(),
		State:      model.SessionAdmitting,
	}

	if err := m.admit(sess); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[sess.ID] = cancel
	m.mu.Unlock()
	defer cancel()

	m.logger.Info().Str("session_id", sess.ID).Str("channel_id", sess.ChannelID).Str("stream_id", stream.ID).Msg("session admitted")
	m.bus.Publish(eventbus.TopicStreamStarted, sess.Snapshot())
	defer m.finish(sess)

	return m.runFFmpeg(ctx, w, sess, stream)
}

func firstEnabledStream(streams []model.Stream) *model.Stream {
	for i := range streams {
		if streams[i].Enabled {
			return &streams[i]
		}
	}
	return nil
}

// admit enforces the global and per-channel caps and reserves the session's
// slot, all under the one mutex that also guards counter mutation — the
// single lock spec.md §4.3 requires to avoid a TOCTOU race between two
// concurrent admission checks.
func (m *Manager) admit(sess *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxConcurrentStreams {
		return model.NewError(model.ErrCapacityFull, fmt.Sprintf("at capacity (%d active)", len(m.sessions)), nil)
	}
	if m.countByChannel[sess.ChannelID] >= m.cfg.MaxConcurrentPerChannel {
		return model.NewError(model.ErrPerChannelCapacityFull, fmt.Sprintf("channel %s at per-channel capacity", sess.ChannelID), nil)
	}

	m.sessions[sess.ID] = sess
	m.countByChannel[sess.ChannelID]++
	return nil
}

// finish decrements counters, removes the session from the table, and emits
// stream:stopped — strictly after the subprocess has been reaped by the
// caller (runFFmpeg only returns once terminate() has completed).
func (m *Manager) finish(sess *model.Session) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	delete(m.cancels, sess.ID)
	m.countByChannel[sess.ChannelID]--
	if m.countByChannel[sess.ChannelID] <= 0 {
		delete(m.countByChannel, sess.ChannelID)
	}
	m.mu.Unlock()

	sess.State = model.SessionClosed
	m.logger.Info().Str("session_id", sess.ID).Int64("bytes_sent", sess.BytesSent).Str("cancel_cause", sess.CancelCause).Msg("session closed")
	m.bus.Publish(eventbus.TopicStreamStopped, sess.Snapshot())
}

// recordProbe persists the format detector's outcome onto the stream's
// health snapshot (SPEC_FULL §4 supplemental). Best-effort and async: a
// repository hiccup here must never slow down or fail an admitted session.
func (m *Manager) recordProbe(streamID string, probeErr error) {
	if streamID == "" {
		return
	}
	ok := probeErr == nil
	msg := ""
	if probeErr != nil {
		msg = probeErr.Error()
	}
	go func() {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.repo.RecordStreamProbe(recCtx, streamID, ok, msg, time.Now().UTC()); err != nil {
			m.logger.Debug().Err(err).Str("stream_id", streamID).Msg("record stream probe failed")
		}
	}()
}

func (m *Manager) resolveProfile(ctx context.Context, stream *model.Stream) (model.FFmpegProfile, error) {
	if stream.ProfileID != "" {
		return m.repo.GetFFmpegProfile(ctx, stream.ProfileID)
	}
	return m.repo.GetDefaultProfile(ctx)
}

func (m *Manager) runFFmpeg(ctx context.Context, w io.Writer, sess *model.Session, stream *model.Stream) error {
	upstreamKind, err := m.detector.Detect(ctx, stream.URL, stream.Kind)
	m.recordProbe(stream.ID, err)
	if err != nil {
		sess.CancelCause = "upstream-unreachable"
		return err
	}
	sess.UpstreamKind = upstreamKind

	profile, err := m.resolveProfile(ctx, stream)
	if err != nil {
		sess.CancelCause = "profile-unresolved"
		return err
	}

	argv, err := ffmpeg.Resolve(profile, sess.ClientKind, stream.URL, upstreamKind)
	if err != nil {
		sess.CancelCause = "profile-template-invalid"
		return err
	}

	cmd := exec.Command(m.ffmpegPath, argv...)
	stderrBuf := newStderrRing(stderrRingCapacity)
	cmd.Stderr = stderrBuf
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sess.CancelCause = "spawn-failed"
		return model.NewError(model.ErrFfmpegSpawnFailed, "stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		sess.CancelCause = "spawn-failed"
		return model.NewError(model.ErrFfmpegSpawnFailed, "start ffmpeg", err)
	}
	sess.FFmpegPID = cmd.Process.Pid
	sess.State = model.SessionRunning
	started := time.Now()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	m.copyLoop(ctx, w, sess, stdout, started)

	sess.State = model.SessionDraining
	waitErr := m.terminate(cmd, waitCh)

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	sess.ExitCode = exitCode
	sess.StderrTail = stderrBuf.String()

	if sess.CancelCause == "" {
		sess.CancelCause = "ffmpeg-exit"
	}

	if exitCode != 0 && sess.CancelCause != "client-disconnect" && sess.CancelCause != "operator-terminated" && sess.CancelCause != "shutdown" {
		if time.Since(started) < startupFailureWindow {
			return model.FfmpegStartupFailed(sess.StderrTail, waitErr)
		}
		return model.FfmpegCrashed(exitCode, sess.StderrTail, waitErr)
	}
	return nil
}

// copyLoop reads ffmpeg stdout in fixed chunks and writes them to w, tolerating
// short writes, updating byte/bitrate accounting per chunk, and returning as
// soon as any loop-exit trigger fires (client disconnect via ctx, upstream
// EOF, ffmpeg read error).
func (m *Manager) copyLoop(ctx context.Context, w io.Writer, sess *model.Session, stdout io.ReadCloser, started time.Time) {
	type readResult struct {
		n   int
		err error
	}

	buf := make([]byte, chunkSize)
	results := make(chan readResult, 1)
	flusher, _ := w.(http.Flusher)
	meter := newBitrateMeter(0.3)

	readNext := func() {
		n, err := stdout.Read(buf)
		results <- readResult{n, err}
	}
	go readNext()

	for {
		select {
		case <-ctx.Done():
			if sess.CancelCause == "" {
				sess.CancelCause = "client-disconnect"
			}
			return
		case res := <-results:
			if res.n > 0 {
				if _, werr := writeAll(w, buf[:res.n]); werr != nil {
					if sess.CancelCause == "" {
						sess.CancelCause = "client-disconnect"
					}
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				now := time.Now()
				meter.Observe(res.n, now)
				m.mu.Lock()
				sess.BytesSent += int64(res.n)
				sess.CurrentBps = meter.CurrentBps()
				if sess.CurrentBps > sess.PeakBps {
					sess.PeakBps = sess.CurrentBps
				}
				if elapsed := now.Sub(started).Seconds(); elapsed > 0 {
					sess.AvgBps = float64(sess.BytesSent) * 8 / elapsed
				}
				m.mu.Unlock()
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					sess.CancelCause = "upstream-eof"
				} else {
					sess.CancelCause = "ffmpeg-read-error"
				}
				return
			}
			go readNext()
		}
	}
}

func writeAll(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// terminate signals ffmpeg with SIGINT, waits up to the configured grace
// period for a clean exit, then sends SIGKILL. This is a deliberate
// divergence from exec.CommandContext's default cancel-is-immediate-SIGKILL
// behavior: the subprocess gets a chance to flush and exit cleanly first.
func (m *Manager) terminate(cmd *exec.Cmd, waitCh chan error) error {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGINT)
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(m.cfg.GracePeriod):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-waitCh
	}
}

// Terminate ends an active session by id, propagating cancellation to its
// streaming loop. It is a no-op returning success if the session is already
// gone — calling terminate on an already-closed session must be idempotent.
func (m *Manager) Terminate(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	cancel, hasCancel := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.CancelCause = "operator-terminated"
	if hasCancel {
		cancel()
	}
}
