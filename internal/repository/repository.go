// Package repository defines the storage contract the tuner core runs
// against: channels, streams, FFmpeg profiles, and EPG data. The sqlite
// subpackage is the only implementation today; callers depend on the
// interface so an in-memory fake can stand in for tests.
package repository

import (
	"context"
	"time"

	"github.com/plexbridge/plexbridge/internal/model"
)

// Repository is the storage contract for the tuner core (spec.md §6).
type Repository interface {
	// Channels
	ListEnabledChannels(ctx context.Context) ([]model.Channel, error)
	ListAllChannels(ctx context.Context) ([]model.Channel, error)
	GetChannelByNumber(ctx context.Context, number int) (model.Channel, error)
	GetChannelByID(ctx context.Context, id string) (model.Channel, error)

	// Streams
	ListStreamsForChannel(ctx context.Context, channelID string) ([]model.Stream, error)
	RecordStreamProbe(ctx context.Context, streamID string, ok bool, probeErr string, at time.Time) error

	// FFmpeg profiles
	GetFFmpegProfile(ctx context.Context, id string) (model.FFmpegProfile, error)
	GetDefaultProfile(ctx context.Context) (model.FFmpegProfile, error)

	// EPG
	ListEPGSources(ctx context.Context) ([]model.EPGSource, error)
	RecordEPGSourceResult(ctx context.Context, sourceID string, success bool, errMsg string, at time.Time) error
	UpsertEPGChannel(ctx context.Context, ch model.EPGChannel) error
	ReplaceEPGPrograms(ctx context.Context, sourceID, epgID string, programs []model.EPGProgram, windowStart, windowEnd time.Time) error
	QueryEPGForEmission(ctx context.Context, epgIDs []string, from, to time.Time) ([]model.EPGProgram, error)

	Close() error
}
