package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/eventbus"
	"github.com/plexbridge/plexbridge/internal/model"
	"github.com/plexbridge/plexbridge/internal/upstream"
)

// fakeRepo is a minimal in-memory repository.Repository stand-in, following
// the same shape as internal/epg's fakeRepo and internal/tunerhttp's
// fakerepo_test.go.
type fakeRepo struct {
	mu      sync.Mutex
	streams map[string][]model.Stream
	profile model.FFmpegProfile
	probes  []probeCall
}

type probeCall struct {
	streamID string
	ok       bool
	errMsg   string
}

func (f *fakeRepo) ListEnabledChannels(ctx context.Context) ([]model.Channel, error) { return nil, nil }
func (f *fakeRepo) ListAllChannels(ctx context.Context) ([]model.Channel, error)     { return nil, nil }
func (f *fakeRepo) GetChannelByNumber(ctx context.Context, number int) (model.Channel, error) {
	return model.Channel{}, model.NewError(model.ErrRepositoryNotFound, "not found", nil)
}
func (f *fakeRepo) GetChannelByID(ctx context.Context, id string) (model.Channel, error) {
	return model.Channel{}, model.NewError(model.ErrRepositoryNotFound, "not found", nil)
}

func (f *fakeRepo) ListStreamsForChannel(ctx context.Context, channelID string) ([]model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[channelID], nil
}

func (f *fakeRepo) RecordStreamProbe(ctx context.Context, streamID string, ok bool, probeErr string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, probeCall{streamID: streamID, ok: ok, errMsg: probeErr})
	return nil
}

func (f *fakeRepo) GetFFmpegProfile(ctx context.Context, id string) (model.FFmpegProfile, error) {
	return f.profile, nil
}
func (f *fakeRepo) GetDefaultProfile(ctx context.Context) (model.FFmpegProfile, error) {
	return f.profile, nil
}

func (f *fakeRepo) ListEPGSources(ctx context.Context) ([]model.EPGSource, error) { return nil, nil }
func (f *fakeRepo) RecordEPGSourceResult(ctx context.Context, sourceID string, success bool, errMsg string, at time.Time) error {
	return nil
}
func (f *fakeRepo) UpsertEPGChannel(ctx context.Context, ch model.EPGChannel) error { return nil }
func (f *fakeRepo) ReplaceEPGPrograms(ctx context.Context, sourceID, epgID string, programs []model.EPGProgram, windowStart, windowEnd time.Time) error {
	return nil
}
func (f *fakeRepo) QueryEPGForEmission(ctx context.Context, epgIDs []string, from, to time.Time) ([]model.EPGProgram, error) {
	return nil, nil
}
func (f *fakeRepo) Close() error { return nil }

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		streams: make(map[string][]model.Stream),
		profile: model.FFmpegProfile{
			ID:        "default",
			IsDefault: true,
			Clients: map[model.ClientKind]model.FFmpegProfileClient{
				model.ClientWebBrowser: {FfmpegArgs: "-loglevel quiet -i [URL] -c copy -f mpegts pipe:1"},
			},
		},
	}
}

func testManager(t *testing.T, cfg config.Streaming, repo *fakeRepo, ffmpegPath string) *Manager {
	t.Helper()
	bus := eventbus.New(8)
	detector := upstream.NewDetector(nil)
	return NewManager(cfg, repo, detector, bus, ffmpegPath)
}

func TestStreamRejectsWhenChannelHasNoEnabledStream(t *testing.T) {
	repo := newFakeRepo()
	repo.streams["ch1"] = []model.Stream{{ID: "s1", ChannelID: "ch1", Enabled: false}}
	m := testManager(t, config.Streaming{MaxConcurrentStreams: 5, MaxConcurrentPerChannel: 5}, repo, "ignored")

	err := m.Stream(context.Background(), discardWriter{}, AdmitRequest{ChannelID: "ch1"})
	require.Error(t, err)
	require.True(t, isKind(err, model.ErrNoStream))
}

func TestAdmitEnforcesGlobalCapacity(t *testing.T) {
	repo := newFakeRepo()
	repo.streams["ch1"] = []model.Stream{{ID: "s1", ChannelID: "ch1", Enabled: true, URL: "http://example/s1.ts", Kind: model.StreamMPEGTS}}
	m := testManager(t, config.Streaming{MaxConcurrentStreams: 0, MaxConcurrentPerChannel: 5}, repo, "ignored")

	err := m.Stream(context.Background(), discardWriter{}, AdmitRequest{ChannelID: "ch1"})
	require.Error(t, err)
	require.True(t, isKind(err, model.ErrCapacityFull))
}

func TestAdmitEnforcesPerChannelCapacity(t *testing.T) {
	repo := newFakeRepo()
	repo.streams["ch1"] = []model.Stream{{ID: "s1", ChannelID: "ch1", Enabled: true, URL: "http://example/s1.ts", Kind: model.StreamMPEGTS}}
	m := testManager(t, config.Streaming{MaxConcurrentStreams: 5, MaxConcurrentPerChannel: 0}, repo, "ignored")

	err := m.Stream(context.Background(), discardWriter{}, AdmitRequest{ChannelID: "ch1"})
	require.Error(t, err)
	require.True(t, isKind(err, model.ErrPerChannelCapacityFull))
}

func TestTerminateOnUnknownSessionIsNoop(t *testing.T) {
	repo := newFakeRepo()
	m := testManager(t, config.Streaming{MaxConcurrentStreams: 5, MaxConcurrentPerChannel: 5}, repo, "ignored")
	require.NotPanics(t, func() { m.Terminate("does-not-exist") })
}

// TestStreamEndToEndCountersAndProbeRecording exercises a full admitted session
// against a fake "ffmpeg" (a tiny shell script standing in for the real binary)
// that writes a fixed number of 1000-byte chunks to stdout and exits cleanly:
// bytes reach the client writer, the session leaves the table on completion,
// and the format detector's probe outcome is recorded onto the stream.
func TestStreamEndToEndCountersAndProbeRecording(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script requires a POSIX shell")
	}
	fakeFFmpeg := writeFakeFFmpeg(t, 20)

	repo := newFakeRepo()
	repo.streams["ch1"] = []model.Stream{{ID: "s1", ChannelID: "ch1", Enabled: true, URL: "udp://239.1.1.1:1234", Kind: model.StreamUDP}}
	m := testManager(t, config.Streaming{MaxConcurrentStreams: 2, MaxConcurrentPerChannel: 2, GracePeriod: time.Second}, repo, fakeFFmpeg)

	var w countingWriter
	err := m.Stream(context.Background(), &w, AdmitRequest{ChannelID: "ch1", ClientKind: model.ClientWebBrowser})
	require.NoError(t, err)
	require.Greater(t, w.total, int64(0))

	require.Empty(t, m.ActiveSessions(), "session must be removed from the table after it closes")

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.probes) == 1
	}, time.Second, 10*time.Millisecond, "probe outcome must be recorded asynchronously")

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Equal(t, "s1", repo.probes[0].streamID)
	require.True(t, repo.probes[0].ok)
}

func TestStreamReturnsCapacityFullWhileASessionIsActive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script requires a POSIX shell")
	}
	fakeFFmpeg := writeFakeFFmpeg(t, 0) // long-running: stays active for the test's duration

	repo := newFakeRepo()
	repo.streams["ch1"] = []model.Stream{{ID: "s1", ChannelID: "ch1", Enabled: true, URL: "udp://239.1.1.1:1234", Kind: model.StreamUDP}}
	repo.streams["ch2"] = []model.Stream{{ID: "s2", ChannelID: "ch2", Enabled: true, URL: "udp://239.1.1.1:1235", Kind: model.StreamUDP}}
	m := testManager(t, config.Streaming{MaxConcurrentStreams: 1, MaxConcurrentPerChannel: 1, GracePeriod: time.Second}, repo, fakeFFmpeg)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	started := make(chan struct{})
	go func() {
		var w notifyingWriter
		w.onFirstWrite = func() { close(started) }
		_ = m.Stream(ctx1, &w, AdmitRequest{ChannelID: "ch1"})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never started streaming")
	}

	err := m.Stream(context.Background(), discardWriter{}, AdmitRequest{ChannelID: "ch2"})
	require.Error(t, err)
	require.True(t, isKind(err, model.ErrCapacityFull))

	cancel1()
	require.Eventually(t, func() bool { return len(m.ActiveSessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func isKind(err error, kind model.ErrorKind) bool {
	var target *model.Error
	if e, ok := err.(*model.Error); ok {
		target = e
	}
	return target != nil && target.Kind == kind
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type countingWriter struct {
	mu    sync.Mutex
	total int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total += int64(len(p))
	return len(p), nil
}

type notifyingWriter struct {
	once         sync.Once
	onFirstWrite func()
}

func (w *notifyingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		if w.onFirstWrite != nil {
			w.onFirstWrite()
		}
	})
	return len(p), nil
}

// writeFakeFFmpeg writes a tiny shell script standing in for the ffmpeg
// binary: it ignores every argv token (profile templates still get
// substituted and passed, but this script doesn't care). A positive
// chunkCount writes that many 1000-byte chunks to stdout and exits cleanly,
// modeling a finite upstream; chunkCount <= 0 writes one chunk then holds
// the process open in short sleep increments (so a test can observe it
// occupying a capacity slot) until it is signaled or about 30s have passed
// (300 sleeps of 0.1s), modeling a long-lived
// live stream. Either way SIGINT/SIGTERM exits immediately, matching the
// session manager's terminate() sequence.
func writeFakeFFmpeg(t *testing.T, chunkCount int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")

	var body string
	if chunkCount > 0 {
		body = fmt.Sprintf(`i=0
while [ "$i" -lt %d ]; do
  printf 'X%%.0s' $(seq 1 1000)
  i=$((i + 1))
done
`, chunkCount)
	} else {
		body = `printf 'X%.0s' $(seq 1 1000)
i=0
while [ "$i" -lt 300 ]; do
  sleep 0.1
  i=$((i + 1))
done
`
	}

	script := "#!/bin/sh\ntrap 'exit 0' INT TERM\n" + body + "exit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
