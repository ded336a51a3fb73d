// Package upstream resolves a configured Stream URL to a concrete protocol
// family (HLS, DASH, RTSP, RTMP, UDP, MPEG-TS, or plain HTTP) and guards every
// outbound fetch against non-http(s) schemes before it reaches net/http.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/plexbridge/plexbridge/internal/model"
	"github.com/plexbridge/plexbridge/internal/safeurl"
)

// Detector classifies upstream URLs. ffmpeg itself opens RTSP/RTMP/UDP
// sources directly — the detector only issues HTTP probes for http(s) URLs;
// other schemes are classified from the URL alone.
type Detector struct {
	Client *http.Client
}

// NewDetector returns a Detector using client for HTTP probing, or
// http.DefaultClient if client is nil.
func NewDetector(client *http.Client) *Detector {
	if client == nil {
		client = http.DefaultClient
	}
	return &Detector{Client: client}
}

// Detect resolves rawURL to a StreamKind. declared, when not model.StreamAuto,
// is trusted as-is and returned without any network probe — operators who
// already know their stream's protocol skip the round trip.
func (d *Detector) Detect(ctx context.Context, rawURL string, declared model.StreamKind) (model.StreamKind, error) {
	if declared != "" && declared != model.StreamAuto {
		return declared, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return model.StreamAuto, model.NewError(model.ErrUpstreamMalformed, "invalid stream URL", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp":
		return model.StreamRTSP, nil
	case "rtmp", "rtmps":
		return model.StreamRTMP, nil
	case "udp", "rtp":
		return model.StreamUDP, nil
	case "http", "https":
		return d.detectHTTP(ctx, rawURL)
	default:
		return model.StreamAuto, model.NewError(model.ErrUpstreamMalformed, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
}

// detectHTTP follows spec.md §4.1's declared precedence for kind=auto:
// scheme (already handled by the caller for non-http(s) schemes), then
// Content-Type from a HEAD probe, then URL suffix, then a body sniff.
func (d *Detector) detectHTTP(ctx context.Context, rawURL string) (model.StreamKind, error) {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return model.StreamAuto, model.NewError(model.ErrUpstreamMalformed, "only http/https upstreams are allowed", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return model.StreamAuto, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return model.StreamAuto, model.NewError(model.ErrUpstreamUnreachable, "HEAD probe failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return model.StreamAuto, model.UpstreamHTTPError(resp.StatusCode, rawURL)
	}

	if kind, ok := detectByContentType(resp.Header.Get("Content-Type")); ok {
		return kind, nil
	}

	if kind, ok := detectBySuffix(rawURL); ok {
		return kind, nil
	}

	return d.sniffBody(ctx, rawURL)
}

func detectBySuffix(rawURL string) (model.StreamKind, bool) {
	path := strings.ToLower(rawURL)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".m3u8"):
		return model.StreamHLS, true
	case strings.HasSuffix(path, ".mpd"):
		return model.StreamDASH, true
	case strings.HasSuffix(path, ".ts"):
		return model.StreamMPEGTS, true
	}
	return "", false
}

func detectByContentType(ct string) (model.StreamKind, bool) {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch {
	case ct == "application/vnd.apple.mpegurl" || ct == "application/x-mpegurl" || strings.Contains(ct, "mpegurl"):
		return model.StreamHLS, true
	case ct == "application/dash+xml":
		return model.StreamDASH, true
	case ct == "video/mp2t":
		return model.StreamMPEGTS, true
	}
	return "", false
}

// sniffBody does a small ranged GET and inspects the first bytes: #EXTM3U for
// HLS, an XML prolog or <MPD for DASH, an MPEG-TS 0x47 sync byte at a 188-byte
// packet offset (in the 256 peeked bytes only offset 0 is checked), or falls
// back to plain HTTP (e.g. a progressive MP4/container ffmpeg can still demux).
func (d *Detector) sniffBody(ctx context.Context, rawURL string) (model.StreamKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.StreamAuto, err
	}
	req.Header.Set("Range", "bytes=0-8191")

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req = req.WithContext(probeCtx)

	resp, err := d.Client.Do(req)
	if err != nil {
		return model.StreamAuto, model.NewError(model.ErrUpstreamUnreachable, "GET probe failed", err)
	}
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	peek, _ := br.Peek(256)
	return sniff(peek), nil
}

func sniff(b []byte) model.StreamKind {
	s := string(b)
	if strings.HasPrefix(s, "#EXTM3U") {
		return model.StreamHLS
	}
	if strings.HasPrefix(strings.TrimSpace(s), "<?xml") || strings.Contains(s, "<MPD") {
		return model.StreamDASH
	}
	for i := 0; i+188 <= len(b); i += 188 {
		if b[i] == 0x47 {
			return model.StreamMPEGTS
		}
	}
	return model.StreamHTTP
}
