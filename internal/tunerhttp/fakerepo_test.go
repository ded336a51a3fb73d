package tunerhttp

import (
	"context"
	"time"

	"github.com/plexbridge/plexbridge/internal/model"
)

// fakeRepo is a minimal in-memory repository.Repository for HTTP-surface
// tests; it implements only what the handlers in this package touch.
type fakeRepo struct {
	channels []model.Channel
	streams  map[string][]model.Stream
	profiles map[string]model.FFmpegProfile
	programs []model.EPGProgram
}

func (f *fakeRepo) ListEnabledChannels(ctx context.Context) ([]model.Channel, error) {
	var out []model.Channel
	for _, c := range f.channels {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListAllChannels(ctx context.Context) ([]model.Channel, error) {
	return f.channels, nil
}

func (f *fakeRepo) GetChannelByNumber(ctx context.Context, number int) (model.Channel, error) {
	for _, c := range f.channels {
		if c.Number == number {
			return c, nil
		}
	}
	return model.Channel{}, model.NewError(model.ErrRepositoryNotFound, "not found", nil)
}

func (f *fakeRepo) GetChannelByID(ctx context.Context, id string) (model.Channel, error) {
	for _, c := range f.channels {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Channel{}, model.NewError(model.ErrRepositoryNotFound, "not found", nil)
}

func (f *fakeRepo) ListStreamsForChannel(ctx context.Context, channelID string) ([]model.Stream, error) {
	return f.streams[channelID], nil
}

func (f *fakeRepo) RecordStreamProbe(ctx context.Context, streamID string, ok bool, probeErr string, at time.Time) error {
	return nil
}

func (f *fakeRepo) GetFFmpegProfile(ctx context.Context, id string) (model.FFmpegProfile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return model.FFmpegProfile{}, model.NewError(model.ErrRepositoryNotFound, "profile not found", nil)
	}
	return p, nil
}

func (f *fakeRepo) GetDefaultProfile(ctx context.Context) (model.FFmpegProfile, error) {
	for _, p := range f.profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	return model.FFmpegProfile{}, model.NewError(model.ErrRepositoryNotFound, "no default profile", nil)
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
	idSet := make(map[string]bool, len(epgIDs))
	for _, id := range epgIDs {
		idSet[id] = true
	}
	var out []model.EPGProgram
	for _, p := range f.programs {
		if idSet[p.EPGID] && p.StartUTC.Before(to) && p.StopUTC.After(from) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepo) Close() error { return nil }
