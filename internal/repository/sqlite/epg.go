package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plexbridge/plexbridge/internal/model"
)

func (s *Store) ListEPGSources(ctx context.Context) ([]model.EPGSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, refresh_interval, enabled, last_success, last_error FROM epg_sources`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list epg sources: %w", err)
	}
	defer rows.Close()

	var out []model.EPGSource
	for rows.Next() {
		var src model.EPGSource
		var enabled int
		var lastSuccess sql.NullTime
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.RefreshInterval, &enabled, &lastSuccess, &src.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: scan epg source: %w", err)
		}
		src.Enabled = enabled != 0
		if lastSuccess.Valid {
			t := lastSuccess.Time
			src.LastSuccess = &t
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) RecordEPGSourceResult(ctx context.Context, sourceID string, success bool, errMsg string, at time.Time) error {
	if success {
		_, err := s.db.ExecContext(ctx, `UPDATE epg_sources SET last_success = ?, last_error = '' WHERE id = ?`, at, sourceID)
		if err != nil {
			return fmt.Errorf("sqlite: record epg success: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE epg_sources SET last_error = ? WHERE id = ?`, errMsg, sourceID)
	if err != nil {
		return fmt.Errorf("sqlite: record epg failure: %w", err)
	}
	return nil
}

func (s *Store) UpsertEPGChannel(ctx context.Context, ch model.EPGChannel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epg_channels (source_id, epg_id, display_name, icon_url) VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id, epg_id) DO UPDATE SET display_name = excluded.display_name, icon_url = excluded.icon_url`,
		ch.SourceID, ch.EPGID, ch.DisplayName, ch.IconURL)
	if err != nil {
		return fmt.Errorf("sqlite: upsert epg channel: %w", err)
	}
	return nil
}

// ReplaceEPGPrograms deletes every stored program for (sourceID, epgID) whose
// start falls within [windowStart, windowEnd) and re-inserts programs, all in
// one transaction. This is the "windowed replace" spec.md §5 requires: a
// source's earlier broadcast days outside the refreshed window are left
// untouched.
func (s *Store) ReplaceEPGPrograms(ctx context.Context, sourceID, epgID string, programs []model.EPGProgram, windowStart, windowEnd time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	// XMLTV doesn't guarantee every <channel> precedes its <programme>
	// elements, and some feeds omit the <channel> declaration entirely. The
	// FK to epg_channels would reject those rows outright, so make sure a
	// (possibly blank) channel row exists before the programs do.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO epg_channels (source_id, epg_id) VALUES (?, ?)
		ON CONFLICT (source_id, epg_id) DO NOTHING`,
		sourceID, epgID); err != nil {
		return fmt.Errorf("sqlite: ensure epg channel: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM epg_programs WHERE source_id = ? AND epg_id = ? AND start_utc >= ? AND start_utc < ?`,
		sourceID, epgID, windowStart, windowEnd); err != nil {
		return fmt.Errorf("sqlite: delete program window: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO epg_programs (source_id, epg_id, start_utc, stop_utc, title, description, category)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, epg_id, start_utc) DO UPDATE SET
			stop_utc = excluded.stop_utc, title = excluded.title,
			description = excluded.description, category = excluded.category`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare program insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range programs {
		if _, err := stmt.ExecContext(ctx, sourceID, epgID, p.StartUTC, p.StopUTC, p.Title, p.Description, p.Category); err != nil {
			return fmt.Errorf("sqlite: insert program: %w", err)
		}
	}
	return tx.Commit()
}

// QueryEPGForEmission returns every program across epgIDs overlapping
// [from, to), ordered for stable XMLTV re-emission (per-channel, then start time).
func (s *Store) QueryEPGForEmission(ctx context.Context, epgIDs []string, from, to time.Time) ([]model.EPGProgram, error) {
	if len(epgIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(epgIDs))
	args := make([]any, 0, len(epgIDs)+2)
	for i, id := range epgIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, to, from)

	query := fmt.Sprintf(`
		SELECT source_id, epg_id, start_utc, stop_utc, title, description, category
		FROM epg_programs
		WHERE epg_id IN (%s) AND start_utc < ? AND stop_utc > ?
		ORDER BY epg_id, start_utc`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query epg for emission: %w", err)
	}
	defer rows.Close()

	var out []model.EPGProgram
	for rows.Next() {
		var p model.EPGProgram
		if err := rows.Scan(&p.SourceID, &p.EPGID, &p.StartUTC, &p.StopUTC, &p.Title, &p.Description, &p.Category); err != nil {
			return nil, fmt.Errorf("sqlite: scan program: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
