// Package sqlite is the modernc.org/sqlite-backed implementation of
// repository.Repository.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/plexbridge/plexbridge/internal/repository"
)

// Options configures the underlying connection pool.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultOptions mirrors the WAL/busy-timeout pragmas used throughout the
// retrieval corpus's sqlite wrappers.
func DefaultOptions() Options {
	return Options{BusyTimeout: 5 * time.Second, MaxOpenConns: 8}
}

// Store is the sqlite-backed Repository.
type Store struct {
	db *sql.DB
}

var _ repository.Repository = (*Store)(nil)

// Open opens (creating if absent) the sqlite database at path, applies
// mandatory PRAGMAs via the DSN so they hold for every pooled connection,
// and runs schema migrations.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, opts.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id        TEXT PRIMARY KEY,
	number    INTEGER NOT NULL UNIQUE,
	name      TEXT NOT NULL,
	enabled   INTEGER NOT NULL DEFAULT 1,
	logo_url  TEXT NOT NULL DEFAULT '',
	epg_id    TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS streams (
	id              TEXT PRIMARY KEY,
	channel_id      TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	url             TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT 'auto',
	enabled         INTEGER NOT NULL DEFAULT 1,
	auth_username   TEXT NOT NULL DEFAULT '',
	auth_password   TEXT NOT NULL DEFAULT '',
	auth_header     TEXT NOT NULL DEFAULT '',
	profile_id      TEXT NOT NULL DEFAULT '',
	sort_order      INTEGER NOT NULL DEFAULT 0,
	last_probe_at   DATETIME,
	last_probe_ok   INTEGER NOT NULL DEFAULT 0,
	last_probe_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id, sort_order);

CREATE TABLE IF NOT EXISTS ffmpeg_profiles (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	is_system  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ffmpeg_profile_clients (
	profile_id  TEXT NOT NULL REFERENCES ffmpeg_profiles(id) ON DELETE CASCADE,
	client_kind TEXT NOT NULL,
	ffmpeg_args TEXT NOT NULL DEFAULT '',
	hls_args    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (profile_id, client_kind)
);

CREATE TABLE IF NOT EXISTS epg_sources (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	url              TEXT NOT NULL,
	refresh_interval TEXT NOT NULL DEFAULT '1h',
	enabled          INTEGER NOT NULL DEFAULT 1,
	last_success     DATETIME,
	last_error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epg_channels (
	source_id    TEXT NOT NULL REFERENCES epg_sources(id) ON DELETE CASCADE,
	epg_id       TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	icon_url     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (source_id, epg_id)
);

CREATE TABLE IF NOT EXISTS epg_programs (
	source_id   TEXT NOT NULL,
	epg_id      TEXT NOT NULL,
	start_utc   DATETIME NOT NULL,
	stop_utc    DATETIME NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (source_id, epg_id, start_utc),
	FOREIGN KEY (source_id, epg_id) REFERENCES epg_channels(source_id, epg_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_epg_programs_window ON epg_programs(epg_id, start_utc, stop_utc);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
