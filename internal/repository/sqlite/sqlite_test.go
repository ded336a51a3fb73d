package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plexbridge/plexbridge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plexbridge.db")
	s, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedChannel(t *testing.T, s *Store, id string, number int, enabled bool) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO channels (id, number, name, enabled, epg_id) VALUES (?, ?, ?, ?, ?)`,
		id, number, "Channel "+id, boolToInt(enabled), "epg."+id)
	require.NoError(t, err)
}

func TestListEnabledChannelsExcludesDisabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "a", 2, true)
	seedChannel(t, s, "b", 1, false)

	chans, err := s.ListEnabledChannels(ctx)
	require.NoError(t, err)
	require.Len(t, chans, 1)
	require.Equal(t, "a", chans[0].ID)
}

func TestGetChannelByNumberNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetChannelByNumber(context.Background(), 99)
	require.Error(t, err)
	require.ErrorIs(t, err, model.NewError(model.ErrRepositoryNotFound, "", nil))
}

func TestStreamsForChannelOrderedAndAuthAttached(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "a", 1, true)
	_, err := s.db.Exec(`INSERT INTO streams (id, channel_id, name, url, kind, enabled, auth_username, auth_password, sort_order) VALUES
		('s2', 'a', 'Backup', 'http://b', 'hls', 1, '', '', 1),
		('s1', 'a', 'Primary', 'http://a', 'hls', 1, 'user', 'pass', 0)`)
	require.NoError(t, err)

	streams, err := s.ListStreamsForChannel(ctx, "a")
	require.NoError(t, err)
	require.Len(t, streams, 2)
	require.Equal(t, "s1", streams[0].ID)
	require.NotNil(t, streams[0].Auth)
	require.Equal(t, "user", streams[0].Auth.Username)
	require.Nil(t, streams[1].Auth)
}

func TestRecordStreamProbe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedChannel(t, s, "a", 1, true)
	_, err := s.db.Exec(`INSERT INTO streams (id, channel_id, name, url) VALUES ('s1', 'a', 'Primary', 'http://a')`)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordStreamProbe(ctx, "s1", false, "timeout", now))

	streams, err := s.ListStreamsForChannel(ctx, "a")
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.False(t, streams[0].LastProbeOK)
	require.Equal(t, "timeout", streams[0].LastProbeError)
}

func TestFFmpegProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.db.Exec(`INSERT INTO ffmpeg_profiles (id, name, is_default, is_system) VALUES ('default', 'Default', 1, 1)`)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO ffmpeg_profile_clients (profile_id, client_kind, ffmpeg_args, hls_args) VALUES
		('default', 'web_browser', '-i [URL] -c copy -f mpegts pipe:1', '')`)
	require.NoError(t, err)

	p, err := s.GetDefaultProfile(ctx)
	require.NoError(t, err)
	require.True(t, p.IsDefault)
	require.Contains(t, p.Clients, model.ClientWebBrowser)
	require.Equal(t, "-i [URL] -c copy -f mpegts pipe:1", p.Clients[model.ClientWebBrowser].FfmpegArgs)
}

func TestEPGWindowedReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.db.Exec(`INSERT INTO epg_sources (id, name, url) VALUES ('src1', 'Source', 'http://epg')`)
	require.NoError(t, err)
	require.NoError(t, s.UpsertEPGChannel(ctx, model.EPGChannel{SourceID: "src1", EPGID: "chan.1", DisplayName: "Chan 1"}))

	base := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	oldProgram := model.EPGProgram{SourceID: "src1", EPGID: "chan.1", StartUTC: base.Add(-48 * time.Hour), StopUTC: base.Add(-47 * time.Hour), Title: "Old"}
	require.NoError(t, s.ReplaceEPGPrograms(ctx, "src1", "chan.1", []model.EPGProgram{oldProgram}, base.Add(-72*time.Hour), base.Add(-24*time.Hour)))

	newProgram := model.EPGProgram{SourceID: "src1", EPGID: "chan.1", StartUTC: base, StopUTC: base.Add(time.Hour), Title: "New"}
	require.NoError(t, s.ReplaceEPGPrograms(ctx, "src1", "chan.1", []model.EPGProgram{newProgram}, base, base.Add(7*24*time.Hour)))

	progs, err := s.QueryEPGForEmission(ctx, []string{"chan.1"}, base.Add(-72*time.Hour), base.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, progs, 2, "windowed replace should not touch programs outside its own window")

	titles := []string{progs[0].Title, progs[1].Title}
	require.ElementsMatch(t, []string{"Old", "New"}, titles)
}
