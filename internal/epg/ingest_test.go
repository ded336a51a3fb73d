package epg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plexbridge/plexbridge/internal/model"
)

type fakeRepo struct {
	sources       []model.EPGSource
	channels      []model.EPGChannel
	replaceCalls  int
	programs      map[string][]model.EPGProgram // keyed by epgID
	results       []recordedResult
}

type recordedResult struct {
	sourceID string
	success  bool
	errMsg   string
}

func (f *fakeRepo) ListEPGSources(ctx context.Context) ([]model.EPGSource, error) {
	return f.sources, nil
}

func (f *fakeRepo) RecordEPGSourceResult(ctx context.Context, sourceID string, success bool, errMsg string, at time.Time) error {
	f.results = append(f.results, recordedResult{sourceID: sourceID, success: success, errMsg: errMsg})
	return nil
}

func (f *fakeRepo) UpsertEPGChannel(ctx context.Context, ch model.EPGChannel) error {
	f.channels = append(f.channels, ch)
	return nil
}

func (f *fakeRepo) ReplaceEPGPrograms(ctx context.Context, sourceID, epgID string, programs []model.EPGProgram, windowStart, windowEnd time.Time) error {
	f.replaceCalls++
	if f.programs == nil {
		f.programs = make(map[string][]model.EPGProgram)
	}
	f.programs[epgID] = append(f.programs[epgID], programs...)
	return nil
}

func (f *fakeRepo) QueryEPGForEmission(ctx context.Context, epgIDs []string, from, to time.Time) ([]model.EPGProgram, error) {
	return nil, nil
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
	return nil, nil
}
func (f *fakeRepo) RecordStreamProbe(ctx context.Context, streamID string, ok bool, probeErr string, at time.Time) error {
	return nil
}
func (f *fakeRepo) GetFFmpegProfile(ctx context.Context, id string) (model.FFmpegProfile, error) {
	return model.FFmpegProfile{}, model.NewError(model.ErrRepositoryNotFound, "not found", nil)
}
func (f *fakeRepo) GetDefaultProfile(ctx context.Context) (model.FFmpegProfile, error) {
	return model.FFmpegProfile{}, model.NewError(model.ErrRepositoryNotFound, "not found", nil)
}
func (f *fakeRepo) Close() error { return nil }

const sampleXMLTV = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1">
    <display-name>BBC One</display-name>
    <icon src="http://example/bbc1.png"/>
  </channel>
  <programme start="20260729180000 +0000" stop="20260729190000 +0000" channel="bbc1">
    <title>Evening News</title>
    <desc>The day's headlines.</desc>
    <category>News</category>
  </programme>
  <programme start="20260729190000 +0000" stop="20260729200000 +0000" channel="bbc1">
    <title>Quiz Night</title>
  </programme>
</tv>`

func TestParseAndStoreUpsertsChannelsAndPrograms(t *testing.T) {
	repo := &fakeRepo{}
	ing := &Ingester{Repo: repo}
	count, err := ing.parseAndStore(context.Background(), "src1", strings.NewReader(sampleXMLTV))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Len(t, repo.channels, 1)
	require.Equal(t, "bbc1", repo.channels[0].EPGID)
	require.Equal(t, "BBC One", repo.channels[0].DisplayName)

	require.Equal(t, 1, repo.replaceCalls)
	require.Len(t, repo.programs["bbc1"], 2)
	require.Equal(t, "Evening News", repo.programs["bbc1"][0].Title)
	require.Equal(t, "Quiz Night", repo.programs["bbc1"][1].Title)
}

func TestIngestOnceRecordsSuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleXMLTV))
	}))
	defer srv.Close()

	repo := &fakeRepo{}
	ing := New(repo, nil)
	ing.ingestOnce(context.Background(), model.EPGSource{ID: "src1", URL: srv.URL})

	require.Len(t, repo.results, 1)
	require.True(t, repo.results[0].success)

	failing := New(repo, nil)
	failing.ingestOnce(context.Background(), model.EPGSource{ID: "src2", URL: "http://127.0.0.1:0/nope"})
	require.Len(t, repo.results, 2)
	require.False(t, repo.results[1].success)
	require.NotEmpty(t, repo.results[1].errMsg)
}

func TestParseScheduleAcceptsDurationAndCron(t *testing.T) {
	s, err := parseSchedule("30m")
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, s.duration)

	s, err = parseSchedule("0 */4 * * *")
	require.NoError(t, err)
	require.NotNil(t, s.cronExpr)

	_, err = parseSchedule("not-a-schedule")
	require.Error(t, err)
}

func TestParseXMLTVTimeAcceptsOffsetAndBareForms(t *testing.T) {
	tm, err := parseXMLTVTime("20260729180000 +0000")
	require.NoError(t, err)
	require.Equal(t, 2026, tm.Year())

	tm2, err := parseXMLTVTime("20260729180000")
	require.NoError(t, err)
	require.Equal(t, tm.Minute(), tm2.Minute())
}
