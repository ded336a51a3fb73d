package tunerhttp

import (
	"fmt"
	"html"
	"net/http"
	"time"
)

const (
	xmltvTimeLayout  = "20060102150405 -0700"
	epgEmissionBack  = -2 * time.Hour
	epgEmissionAhead = 7 * 24 * time.Hour
)

// handleXMLTV re-emits stored EPG data as an XMLTV document (spec.md §4.6,
// §6): <channel> rows are limited to channels configured with a non-empty
// epg_id, and <programme> rows are limited to those channels' epg_ids within
// [now-2h, now+7d].
func (s *Server) handleXMLTV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels, err := s.Repo.ListAllChannels(ctx)
	if err != nil {
		http.Error(w, "epg unavailable", http.StatusInternalServerError)
		return
	}

	epgIDs := make([]string, 0, len(channels))
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch.EPGID == "" || seen[ch.EPGID] {
			continue
		}
		seen[ch.EPGID] = true
		epgIDs = append(epgIDs, ch.EPGID)
	}

	now := time.Now().UTC()
	programs, err := s.Repo.QueryEPGForEmission(ctx, epgIDs, now.Add(epgEmissionBack), now.Add(epgEmissionAhead))
	if err != nil {
		http.Error(w, "epg unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	fmt.Fprint(w, `<?xml version="1.0"?>`+"\n")
	fmt.Fprint(w, `<tv source-info-name="PlexBridge">`+"\n")
	for _, ch := range channels {
		if ch.EPGID == "" {
			continue
		}
		fmt.Fprintf(w, "  <channel id=%q>\n", ch.EPGID)
		fmt.Fprintf(w, "    <display-name>%s</display-name>\n", html.EscapeString(ch.Name))
		if ch.LogoURL != "" {
			fmt.Fprintf(w, "    <icon src=%q/>\n", ch.LogoURL)
		}
		fmt.Fprint(w, "  </channel>\n")
	}
	for _, p := range programs {
		fmt.Fprintf(w, "  <programme start=%q stop=%q channel=%q>\n",
			p.StartUTC.UTC().Format(xmltvTimeLayout), p.StopUTC.UTC().Format(xmltvTimeLayout), p.EPGID)
		fmt.Fprintf(w, "    <title>%s</title>\n", html.EscapeString(p.Title))
		if p.Description != "" {
			fmt.Fprintf(w, "    <desc>%s</desc>\n", html.EscapeString(p.Description))
		}
		if p.Category != "" {
			fmt.Fprintf(w, "    <category>%s</category>\n", html.EscapeString(p.Category))
		}
		fmt.Fprint(w, "  </programme>\n")
	}
	fmt.Fprint(w, "</tv>\n")
}
