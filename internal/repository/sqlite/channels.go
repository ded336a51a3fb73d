package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plexbridge/plexbridge/internal/model"
)

func (s *Store) ListEnabledChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, number, name, enabled, logo_url, epg_id, group_name FROM channels WHERE enabled = 1 ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list enabled channels: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *Store) ListAllChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, number, name, enabled, logo_url, epg_id, group_name FROM channels ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list all channels: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

func scanChannels(rows *sql.Rows) ([]model.Channel, error) {
	var out []model.Channel
	for rows.Next() {
		var c model.Channel
		var enabled int
		if err := rows.Scan(&c.ID, &c.Number, &c.Name, &enabled, &c.LogoURL, &c.EPGID, &c.Group); err != nil {
			return nil, fmt.Errorf("sqlite: scan channel: %w", err)
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChannelByNumber(ctx context.Context, number int) (model.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, number, name, enabled, logo_url, epg_id, group_name FROM channels WHERE number = ?`, number)
	return scanChannel(row)
}

func (s *Store) GetChannelByID(ctx context.Context, id string) (model.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, number, name, enabled, logo_url, epg_id, group_name FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

func scanChannel(row *sql.Row) (model.Channel, error) {
	var c model.Channel
	var enabled int
	if err := row.Scan(&c.ID, &c.Number, &c.Name, &enabled, &c.LogoURL, &c.EPGID, &c.Group); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Channel{}, model.NewError(model.ErrRepositoryNotFound, "channel not found", err)
		}
		return model.Channel{}, fmt.Errorf("sqlite: get channel: %w", err)
	}
	c.Enabled = enabled != 0
	return c, nil
}
