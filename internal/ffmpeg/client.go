package ffmpeg

import (
	"net/http"
	"strings"

	"github.com/plexbridge/plexbridge/internal/model"
)

// DetectClientKind infers the requesting Plex client family from headers, the
// way request hints are pulled elsewhere in this codebase: check well-known
// X-Plex-* headers first, then fall back to sniffing User-Agent.
func DetectClientKind(r *http.Request) model.ClientKind {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(r.Header.Get(k)); v != "" {
				return v
			}
		}
		return ""
	}

	platform := strings.ToLower(get("X-Plex-Platform", "X-Plex-Client-Platform"))
	product := strings.ToLower(get("X-Plex-Product"))
	device := strings.ToLower(get("X-Plex-Device", "X-Plex-Device-Name"))
	ua := strings.ToLower(r.UserAgent())

	switch {
	case strings.Contains(platform, "android") && (strings.Contains(product, "tv") || strings.Contains(device, "tv")):
		return model.ClientAndroidTV
	case strings.Contains(platform, "android"):
		return model.ClientAndroidMobile
	case strings.Contains(platform, "ios") || strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return model.ClientIOSMobile
	case strings.Contains(platform, "tvos") || strings.Contains(device, "apple tv") || strings.Contains(ua, "appletv"):
		return model.ClientAppleTV
	default:
		return model.ClientWebBrowser
	}
}
