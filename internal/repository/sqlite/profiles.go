package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plexbridge/plexbridge/internal/model"
)

func (s *Store) GetFFmpegProfile(ctx context.Context, id string) (model.FFmpegProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, is_default, is_system FROM ffmpeg_profiles WHERE id = ?`, id)
	return s.loadProfile(ctx, row)
}

func (s *Store) GetDefaultProfile(ctx context.Context) (model.FFmpegProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, is_default, is_system FROM ffmpeg_profiles WHERE is_default = 1 LIMIT 1`)
	return s.loadProfile(ctx, row)
}

func (s *Store) loadProfile(ctx context.Context, row *sql.Row) (model.FFmpegProfile, error) {
	var p model.FFmpegProfile
	var isDefault, isSystem int
	if err := row.Scan(&p.ID, &p.Name, &isDefault, &isSystem); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FFmpegProfile{}, model.NewError(model.ErrRepositoryNotFound, "ffmpeg profile not found", err)
		}
		return model.FFmpegProfile{}, fmt.Errorf("sqlite: get profile: %w", err)
	}
	p.IsDefault = isDefault != 0
	p.IsSystem = isSystem != 0

	rows, err := s.db.QueryContext(ctx, `SELECT client_kind, ffmpeg_args, hls_args FROM ffmpeg_profile_clients WHERE profile_id = ?`, p.ID)
	if err != nil {
		return model.FFmpegProfile{}, fmt.Errorf("sqlite: list profile clients: %w", err)
	}
	defer rows.Close()
	p.Clients = make(map[model.ClientKind]model.FFmpegProfileClient)
	for rows.Next() {
		var kind string
		var c model.FFmpegProfileClient
		if err := rows.Scan(&kind, &c.FfmpegArgs, &c.HLSArgs); err != nil {
			return model.FFmpegProfile{}, fmt.Errorf("sqlite: scan profile client: %w", err)
		}
		p.Clients[model.ClientKind(kind)] = c
	}
	return p, rows.Err()
}
