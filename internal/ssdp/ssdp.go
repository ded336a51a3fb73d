// Package ssdp implements the SSDP/UPnP discovery responder (spec.md §4.5):
// it answers M-SEARCH datagrams on the configured multicast group with three
// unicast responses (upnp:rootdevice, the MediaServer device type, and the
// device's own uuid), and periodically announces ssdp:alive / ssdp:byebye.
//
// Grounded on the teacher's internal/tuner/ssdp.go (UDP listen loop,
// M-SEARCH detection, search-response string-building), generalized from a
// single ST response to the three HDHomeRun-standard responses and extended
// with the periodic NOTIFY alive/byebye the teacher never emitted.
package ssdp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/logging"
)

// Responder answers M-SEARCH requests and emits periodic NOTIFY announcements
// for one TunerIdentity.
type Responder struct {
	DeviceID         string
	LocationURL      string // "<base_url>/device.xml"
	MulticastAddress string // "239.255.255.250:1900"
	AnnounceInterval time.Duration

	logger zerolog.Logger
}

// New builds a Responder. multicastAddress and announceInterval fall back to
// spec.md §6 defaults when zero.
func New(deviceID, locationURL, multicastAddress string, announceInterval time.Duration) *Responder {
	if multicastAddress == "" {
		multicastAddress = "239.255.255.250:1900"
	}
	if announceInterval <= 0 {
		announceInterval = 30 * time.Minute
	}
	return &Responder{
		DeviceID:         deviceID,
		LocationURL:      locationURL,
		MulticastAddress: multicastAddress,
		AnnounceInterval: announceInterval,
		logger:           logging.WithComponent("ssdp"),
	}
}

// searchTargets are the two fixed NT/ST values Plex's discovery expects a
// reply for, per spec.md §4.5; the third, the device's own uuid target, comes
// from uuidTarget.
var searchTargets = []string{
	"upnp:rootdevice",
	"urn:schemas-upnp-org:device:MediaServer:1",
}

func (r *Responder) uuidTarget() string {
	return "uuid:" + r.DeviceID
}

// Run listens for M-SEARCH datagrams and answers them, and emits NOTIFY
// ssdp:alive on startup and every AnnounceInterval, until ctx is canceled, at
// which point it emits ssdp:byebye before returning.
func (r *Responder) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", r.MulticastAddress)
	if err != nil {
		return fmt.Errorf("ssdp: resolve multicast address: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("ssdp: listen udp: %w", err)
	}
	defer conn.Close()

	r.logger.Info().Str("addr", r.MulticastAddress).Msg("ssdp responder listening")

	announceStop := make(chan struct{})
	go r.announceLoop(ctx, addr, announceStop)

	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, 2048)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				<-announceStop
				r.sendByebye(addr)
				return nil
			}
			continue
		}
		msg := string(buf[:n])
		if !strings.Contains(msg, "M-SEARCH") {
			continue
		}
		r.respond(conn, clientAddr, msg)
	}
}

func (r *Responder) respond(conn *net.UDPConn, to *net.UDPAddr, msg string) {
	st := extractHeader(msg, "ST")
	wantAll := st == "" || strings.EqualFold(st, "ssdp:all")

	targets := []string{r.uuidTarget()}
	for _, t := range searchTargets {
		if wantAll || strings.EqualFold(st, t) {
			targets = append(targets, t)
		}
	}
	if wantAll || strings.EqualFold(st, r.uuidTarget()) {
		// uuidTarget already included above; avoid duplicate entries when ST matched it directly.
	}

	for _, st := range uniqueStrings(targets) {
		resp := r.searchResponse(st)
		if _, err := conn.WriteToUDP([]byte(resp), to); err != nil {
			r.logger.Warn().Err(err).Str("remote", to.String()).Msg("ssdp: write search response failed")
			continue
		}
	}
	r.logger.Debug().Str("remote", to.String()).Str("st", st).Msg("ssdp: responded to M-SEARCH")
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (r *Responder) searchResponse(st string) string {
	usn := r.uuidTarget()
	if st != r.uuidTarget() {
		usn = r.uuidTarget() + "::" + st
	}
	return fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: PlexBridge/1.0 UPnP/1.0\r\n"+
			"ST: %s\r\n"+
			"USN: %s\r\n"+
			"\r\n",
		r.LocationURL, st, usn,
	)
}

func (r *Responder) announceLoop(ctx context.Context, multicastAddr *net.UDPAddr, done chan<- struct{}) {
	defer close(done)

	conn, err := net.DialUDP("udp4", nil, multicastAddr)
	if err != nil {
		r.logger.Warn().Err(err).Msg("ssdp: dial multicast for NOTIFY failed")
		return
	}
	defer conn.Close()

	r.sendAlive(conn)

	ticker := time.NewTicker(r.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendAlive(conn)
		}
	}
}

func (r *Responder) sendAlive(conn *net.UDPConn) {
	for _, nt := range append([]string{r.uuidTarget()}, searchTargets...) {
		usn := r.uuidTarget()
		if nt != r.uuidTarget() {
			usn = r.uuidTarget() + "::" + nt
		}
		notify := fmt.Sprintf(
			"NOTIFY * HTTP/1.1\r\n"+
				"HOST: %s\r\n"+
				"CACHE-CONTROL: max-age=1800\r\n"+
				"LOCATION: %s\r\n"+
				"SERVER: PlexBridge/1.0 UPnP/1.0\r\n"+
				"NT: %s\r\n"+
				"NTS: ssdp:alive\r\n"+
				"USN: %s\r\n"+
				"\r\n",
			r.MulticastAddress, r.LocationURL, nt, usn,
		)
		if _, err := conn.Write([]byte(notify)); err != nil {
			r.logger.Warn().Err(err).Msg("ssdp: notify alive failed")
		}
	}
	r.logger.Debug().Msg("ssdp: sent notify alive")
}

func (r *Responder) sendByebye(multicastAddr *net.UDPAddr) {
	conn, err := net.DialUDP("udp4", nil, multicastAddr)
	if err != nil {
		return
	}
	defer conn.Close()
	for _, nt := range append([]string{r.uuidTarget()}, searchTargets...) {
		usn := r.uuidTarget()
		if nt != r.uuidTarget() {
			usn = r.uuidTarget() + "::" + nt
		}
		notify := fmt.Sprintf(
			"NOTIFY * HTTP/1.1\r\n"+
				"HOST: %s\r\n"+
				"NT: %s\r\n"+
				"NTS: ssdp:byebye\r\n"+
				"USN: %s\r\n"+
				"\r\n",
			r.MulticastAddress, nt, usn,
		)
		_, _ = conn.Write([]byte(notify))
	}
	r.logger.Info().Msg("ssdp: sent notify byebye")
}

// extractHeader returns the value of an HTTP-style header line (case
// insensitive name) from a raw SSDP request/response, or "" if absent.
func extractHeader(msg, name string) string {
	for _, line := range strings.Split(msg, "\r\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(line[:idx]), name) {
			return strings.TrimSpace(line[idx+1:])
		}
	}
	return ""
}
