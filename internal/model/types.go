// Package model holds the entities shared across the tuner core: channels,
// streams, FFmpeg profiles, EPG rows, in-memory sessions, and the process-wide
// tuner identity. Persistent entities are owned by internal/repository; Session
// and TunerIdentity never touch the store.
package model

import "time"

// StreamKind is the declared or detected upstream protocol family for a Stream.
type StreamKind string

const (
	StreamHLS    StreamKind = "hls"
	StreamDASH   StreamKind = "dash"
	StreamRTSP   StreamKind = "rtsp"
	StreamRTMP   StreamKind = "rtmp"
	StreamUDP    StreamKind = "udp"
	StreamMPEGTS StreamKind = "mpegts"
	StreamHTTP   StreamKind = "http"
	StreamAuto   StreamKind = "auto"
)

// ClientKind is the Plex client family used to pick an FFmpeg argument template.
type ClientKind string

const (
	ClientWebBrowser    ClientKind = "web_browser"
	ClientAndroidMobile ClientKind = "android_mobile"
	ClientAndroidTV     ClientKind = "android_tv"
	ClientIOSMobile     ClientKind = "ios_mobile"
	ClientAppleTV       ClientKind = "apple_tv"
)

// Channel is a Plex-visible tuner channel. Created/edited by the (out-of-scope)
// admin surface; the core only reads channels.
type Channel struct {
	ID      string
	Number  int
	Name    string
	Enabled bool
	LogoURL string
	EPGID   string // opaque XMLTV channel id; empty = not linked to EPG
	Group   string // cosmetic grouping surfaced in M3U export (supplemental, see SPEC_FULL §4)
}

// StreamAuth is an opaque credentials blob attached to a Stream (basic auth,
// token query params, etc.) — the core never inspects its shape beyond what the
// upstream adapter needs to attach it to outbound requests.
type StreamAuth struct {
	Username string
	Password string
	Header   string // optional extra header, e.g. "Authorization: Bearer ..."
}

// Stream is one upstream source for a Channel. A channel may have multiple
// streams; the first enabled one by sort order (insertion order among equal
// sort orders) is the active upstream.
type Stream struct {
	ID        string
	ChannelID string
	Name      string
	URL       string
	Kind      StreamKind
	Enabled   bool
	Auth      *StreamAuth
	ProfileID string // optional FFmpegProfile override

	// Supplemental stream-health snapshot (SPEC_FULL §4), populated by the
	// format detector's probe step; read-only for operators.
	LastProbeAt    time.Time
	LastProbeOK    bool
	LastProbeError string
}

// FFmpegProfileClient is the per-ClientKind argument template for a profile.
type FFmpegProfileClient struct {
	FfmpegArgs string // whitespace/shell-quoted template; "[URL]" is substituted
	HLSArgs    string // appended after -i when upstream_kind == hls
}

// FFmpegProfile groups argument templates per ClientKind.
type FFmpegProfile struct {
	ID        string
	Name      string
	IsDefault bool
	IsSystem  bool // immutable; undeletable
	Clients   map[ClientKind]FFmpegProfileClient
}

// EPGSource is one configured XMLTV feed.
type EPGSource struct {
	ID              string
	Name            string
	URL             string
	RefreshInterval string // duration string ("30m") or a 5-field cron expression (SPEC_FULL §9 Open Question 3)
	Enabled         bool
	LastSuccess     *time.Time
	LastError       string
}

// EPGChannel is one <channel> row ingested from an EPGSource; primary key is
// (SourceID, EPGID).
type EPGChannel struct {
	SourceID    string
	EPGID       string
	DisplayName string
	IconURL     string
}

// EPGProgram is one <programme> row; primary key is (SourceID, EPGID, StartUTC).
// Intervals are half-open [Start, Stop).
type EPGProgram struct {
	SourceID    string
	EPGID       string
	StartUTC    time.Time
	StopUTC     time.Time
	Title       string
	Description string
	Category    string
}

// SessionState is the stream session manager's state machine (spec.md §4.3).
type SessionState string

const (
	SessionAdmitting SessionState = "admitting"
	SessionRunning   SessionState = "running"
	SessionDraining  SessionState = "draining"
	SessionClosed    SessionState = "closed"
)

// Session is one admitted client's live consumption of one channel, bound to
// at most one FFmpeg subprocess. In-memory only; never persisted.
type Session struct {
	ID         string
	StreamID   string
	ChannelID  string
	ClientIP   string
	UserAgent  string
	ClientKind ClientKind

	StartedAt time.Time
	BytesSent int64

	CurrentBps float64 // EWMA, updated per chunk
	AvgBps     float64 // bytes_sent*8/elapsed_s
	PeakBps    float64

	UpstreamKind StreamKind
	FFmpegPID    int
	State        SessionState
	CancelCause  string // set on termination: client-disconnect, operator-terminated, upstream-eof, ffmpeg-read-error, or a setup failure (upstream-unreachable, profile-unresolved, profile-template-invalid, spawn-failed)
	ExitCode     int
	StderrTail   string
}

// Snapshot returns a value copy safe to hand to callers outside the manager's lock.
func (s *Session) Snapshot() Session {
	return *s
}

// TunerIdentity is the process-singleton HDHomeRun identity advertised via
// SSDP and /discover.json.
type TunerIdentity struct {
	DeviceID     string // stable 8-hex
	FriendlyName string
	ModelName    string
	Manufacturer string
	Firmware     string
	TunerCount   int // config tuner_count; max_concurrent_streams when tuner_count <= 0
	BaseURL      string
}
