package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plexbridge/plexbridge/internal/model"
)

func (s *Store) ListStreamsForChannel(ctx context.Context, channelID string) ([]model.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, name, url, kind, enabled, auth_username, auth_password, auth_header, profile_id,
		       last_probe_at, last_probe_ok, last_probe_error
		FROM streams WHERE channel_id = ? AND enabled = 1 ORDER BY sort_order, rowid`, channelID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		var enabled, probeOK int
		var user, pass, header string
		var probeAt sql.NullTime
		if err := rows.Scan(&st.ID, &st.ChannelID, &st.Name, &st.URL, &st.Kind, &enabled,
			&user, &pass, &header, &st.ProfileID, &probeAt, &probeOK, &st.LastProbeError); err != nil {
			return nil, fmt.Errorf("sqlite: scan stream: %w", err)
		}
		st.Enabled = enabled != 0
		st.LastProbeOK = probeOK != 0
		if probeAt.Valid {
			st.LastProbeAt = probeAt.Time
		}
		if user != "" || pass != "" || header != "" {
			st.Auth = &model.StreamAuth{Username: user, Password: pass, Header: header}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) RecordStreamProbe(ctx context.Context, streamID string, ok bool, probeErr string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET last_probe_at = ?, last_probe_ok = ?, last_probe_error = ? WHERE id = ?`,
		at, boolToInt(ok), probeErr, streamID)
	if err != nil {
		return fmt.Errorf("sqlite: record stream probe: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
