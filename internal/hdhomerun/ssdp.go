package hdhomerun

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ssdpMulticastAddr = "239.255.255.250:1900"
	ssdpSearchTarget  = "urn:schemas-upnp-org:device:MediaServer:1"
)

// SSDP answers M-SEARCH discovery requests so Plex's network scan can find
// this bridge without the user typing in an address manually. Plain
// net.ListenMulticastUDP suffices: the protocol surface needed here is a
// single request/response.
type SSDP struct {
	cfg Config
	log zerolog.Logger
}

func NewSSDP(cfg Config, log zerolog.Logger) *SSDP {
	return &SSDP{cfg: cfg, log: log}
}

// Run listens for M-SEARCH requests until ctx is cancelled.
func (s *SSDP) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return fmt.Errorf("ssdp: resolve multicast addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("ssdp: listen multicast: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("ssdp: read error")
			continue
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, "M-SEARCH") {
			continue
		}
		if !strings.Contains(msg, "ssdp:discover") {
			continue
		}
		if err := s.respond(conn, from); err != nil {
			s.log.Warn().Err(err).Msg("ssdp: respond error")
		}
	}
}

func (s *SSDP) respond(conn *net.UDPConn, to *net.UDPAddr) error {
	base := s.cfg.AdvertisedHost
	if base == "" {
		base = conn.LocalAddr().String()
	}
	location := fmt.Sprintf("http://%s/device.xml", base)
	resp := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"DATE: " + time.Now().UTC().Format(time.RFC1123) + "\r\n" +
		"EXT:\r\n" +
		"LOCATION: " + location + "\r\n" +
		"SERVER: PlexBridge/1.0 UPnP/1.0\r\n" +
		"ST: " + ssdpSearchTarget + "\r\n" +
		"USN: uuid:" + s.cfg.DeviceID + "::" + ssdpSearchTarget + "\r\n\r\n"

	conn2, err := net.DialUDP("udp4", nil, to)
	if err != nil {
		return err
	}
	defer conn2.Close()
	_, err = conn2.Write([]byte(resp))
	return err
}
