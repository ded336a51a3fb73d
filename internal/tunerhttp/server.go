// Package tunerhttp is the HDHomeRun-compatible HTTP surface Plex talks to
// (spec.md §4.4): discover.json, device.xml, lineup.json, lineup_status.json,
// the per-channel stream endpoint, playlist.m3u, and epg/xmltv.
//
// Routing uses github.com/go-chi/chi/v5 (donated by the rest of the
// retrieval pack) in place of the teacher's bare http.ServeMux
// (internal/tuner/server.go), since chi gives named path parameters for
// /stream/{channel} cleanly; the per-route structured-logging middleware
// generalizes the teacher's logRequests wrapper onto zerolog.
package tunerhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/eventbus"
	"github.com/plexbridge/plexbridge/internal/ffmpeg"
	"github.com/plexbridge/plexbridge/internal/logging"
	"github.com/plexbridge/plexbridge/internal/model"
	"github.com/plexbridge/plexbridge/internal/repository"
	"github.com/plexbridge/plexbridge/internal/session"
)

// Server serves the HDHomeRun-compatible HTTP surface.
type Server struct {
	Identity model.TunerIdentity
	Repo     repository.Repository
	Sessions *session.Manager
	Bus      *eventbus.Bus

	logger zerolog.Logger
}

// New builds a Server ready to Handler().
func New(identity model.TunerIdentity, repo repository.Repository, sessions *session.Manager, bus *eventbus.Bus) *Server {
	return &Server{
		Identity: identity,
		Repo:     repo,
		Sessions: sessions,
		Bus:      bus,
		logger:   logging.WithComponent("tunerhttp"),
	}
}

// Handler builds the full chi mux for this server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)

	r.Get("/discover.json", s.handleDiscover)
	r.Get("/device.xml", s.handleDeviceXML)
	r.Get("/lineup.json", s.handleLineup)
	r.Get("/lineup_status.json", s.handleLineupStatus)
	r.Get("/playlist.m3u", s.handlePlaylist)
	r.Get("/epg/xmltv", s.handleXMLTV)
	r.Get("/stream/{channel}", s.handleStream)
	r.Delete("/streams/active/{session_id}", s.handleTerminate)
	r.Get("/api/metrics", promHandlerPlaceholder)

	return r
}

// promHandlerPlaceholder serves /api/metrics. SetMetricsHandler replaces it
// with the real prometheus handler; Handler captures whichever value is
// current when it builds the router, so SetMetricsHandler must run first. If
// it never runs, the route answers 404 rather than panicking on a nil handler.
var promHandlerPlaceholder = http.NotFoundHandler().ServeHTTP

// SetMetricsHandler lets main wire the actual prometheus handler without this
// package importing the metrics package (metrics imports nothing from here).
func SetMetricsHandler(h http.Handler) {
	promHandlerPlaceholder = h.ServeHTTP
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	id := s.Identity
	resp := map[string]any{
		"FriendlyName":    id.FriendlyName,
		"Manufacturer":    id.Manufacturer,
		"ModelNumber":     id.ModelName,
		"FirmwareName":    "hdhomerun_atsc",
		"FirmwareVersion": id.Firmware,
		"DeviceID":        id.DeviceID,
		"DeviceAuth":      "plexbridge",
		"BaseURL":         id.BaseURL,
		"LineupURL":       id.BaseURL + "/lineup.json",
		"TunerCount":      id.TunerCount,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	id := s.Identity
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <URLBase>%s</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>%s</manufacturer>
    <modelName>%s</modelName>
    <modelNumber>%s</modelNumber>
    <serialNumber>%s</serialNumber>
    <UDN>uuid:%s</UDN>
  </device>
</root>`, id.BaseURL, id.FriendlyName, id.Manufacturer, id.ModelName, id.ModelName, id.DeviceID, id.DeviceID)
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels, err := s.Repo.ListEnabledChannels(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("lineup: list enabled channels failed")
		writeJSON(w, http.StatusOK, []lineupEntry{})
		return
	}

	out := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		streams, err := s.Repo.ListStreamsForChannel(ctx, ch.ID)
		if err != nil || !hasEnabledStream(streams) {
			continue
		}
		out = append(out, lineupEntry{
			GuideNumber: strconv.Itoa(ch.Number),
			GuideName:   ch.Name,
			URL:         fmt.Sprintf("%s/stream/%d", s.Identity.BaseURL, ch.Number),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func hasEnabledStream(streams []model.Stream) bool {
	for _, st := range streams {
		if st.Enabled {
			return true
		}
	}
	return false
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels, err := s.Repo.ListEnabledChannels(ctx)
	if err != nil {
		http.Error(w, "playlist unavailable", http.StatusInternalServerError)
		return
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Number < channels[j].Number })

	w.Header().Set("Content-Type", "application/x-mpegurl; charset=utf-8")
	fmt.Fprintln(w, "#EXTM3U")
	for _, ch := range channels {
		streams, err := s.Repo.ListStreamsForChannel(ctx, ch.ID)
		if err != nil || !hasEnabledStream(streams) {
			continue
		}
		extinf := fmt.Sprintf("#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-logo=%q", ch.EPGID, ch.Name, ch.LogoURL)
		if ch.Group != "" {
			extinf += fmt.Sprintf(" group-title=%q", ch.Group)
		}
		extinf += "," + ch.Name
		fmt.Fprintln(w, extinf)
		fmt.Fprintf(w, "%s/stream/%d\n", s.Identity.BaseURL, ch.Number)
	}
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	s.Sessions.Terminate(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// resolveChannel implements the Open Question decision from SPEC_FULL.md §9:
// /stream/<n> accepts both a channel number and an id, preferring a numeric
// GuideNumber match first, then falling back to id.
func resolveChannel(ctx context.Context, repo repository.Repository, raw string) (model.Channel, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if ch, err := repo.GetChannelByNumber(ctx, n); err == nil {
			return ch, nil
		}
	}
	return repo.GetChannelByID(ctx, raw)
}
