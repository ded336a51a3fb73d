package tunerhttp

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/plexbridge/internal/ffmpeg"
	"github.com/plexbridge/plexbridge/internal/model"
	"github.com/plexbridge/plexbridge/internal/session"
)

// handleStream opens a session for the requested channel and copies its
// MPEG-TS output into the response body (spec.md §4.4, §6). Status is sent
// before any body bytes: admission/upstream failures map to the status codes
// spec.md §6 names, and only once admission succeeds does the handler begin
// writing the 200 + chunked body.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "channel")
	ch, err := resolveChannel(r.Context(), s.Repo, raw)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": string(model.ErrNoStream)})
		return
	}

	req := session.AdmitRequest{
		ChannelID:  ch.ID,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		ClientKind: ffmpeg.DetectClientKind(r),
	}

	sw := &statusCapturingWriter{ResponseWriter: w}
	err = s.Sessions.Stream(r.Context(), sw, req)
	if err != nil && !sw.headerSent {
		writeStreamError(w, err)
		return
	}
	// Mid-stream errors (sw.headerSent already true) end the response body
	// silently per spec.md §7 — the client (Plex) reconnects.
}

// statusCapturingWriter lazily sends the 200 + streaming headers on first
// write, so an admission error discovered inside Stream (which only surfaces
// as a returned error, not a pre-write hook) can still produce the correct
// error status as long as no bytes were written yet.
type statusCapturingWriter struct {
	http.ResponseWriter
	headerSent bool
}

func (w *statusCapturingWriter) Write(p []byte) (int, error) {
	if !w.headerSent {
		w.ResponseWriter.Header().Set("Content-Type", "video/mp2t")
		w.ResponseWriter.Header().Set("Cache-Control", "no-store")
		w.ResponseWriter.Header().Set("Transfer-Encoding", "chunked")
		w.ResponseWriter.WriteHeader(http.StatusOK)
		w.headerSent = true
	}
	return w.ResponseWriter.Write(p)
}

func writeStreamError(w http.ResponseWriter, err error) {
	var merr *model.Error
	if errors.As(err, &merr) {
		switch merr.Kind {
		case model.ErrNoStream, model.ErrStreamDisabled:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": string(merr.Kind)})
			return
		case model.ErrCapacityFull, model.ErrPerChannelCapacityFull:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": string(merr.Kind)})
			return
		case model.ErrUpstreamUnreachable, model.ErrUpstreamHTTPError, model.ErrUpstreamMalformed, model.ErrUpstreamTimeout,
			model.ErrFfmpegSpawnFailed, model.ErrFfmpegStartupFailed:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": string(merr.Kind)})
			return
		}
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "internal"})
}

// clientIP extracts the request's originating address, preferring a
// reverse-proxy-set X-Forwarded-For over RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
