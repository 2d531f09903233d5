// Package hdhomerun implements the device-emulation surface: the
// discover.json/lineup.json/lineup_status.json/device.xml endpoints Plex
// polls to treat this bridge as a physical HDHomeRun network tuner, plus
// the per-channel metadata stub some clients fetch before playing.
package hdhomerun

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/net/idna"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/store"
)

type Config struct {
	DeviceID       string
	FriendlyName   string
	ModelName      string
	FirmwareName   string
	TunerCount     int
	AdvertisedHost string // may be empty; falls back to request Host
	EPGDays        int    // advertised guide depth in days
}

type Server struct {
	cfg   Config
	store *store.Store
}

func New(cfg Config, st *store.Store) *Server {
	if cfg.ModelName == "" {
		cfg.ModelName = "HDHR5-4US"
	}
	if cfg.FirmwareName == "" {
		cfg.FirmwareName = "plexbridge"
	}
	if cfg.TunerCount <= 0 {
		cfg.TunerCount = 4
	}
	if cfg.EPGDays <= 0 {
		cfg.EPGDays = 7
	}
	return &Server{cfg: cfg, store: st}
}

type discoverResponse struct {
	FriendlyName      string `json:"FriendlyName"`
	Manufacturer      string `json:"Manufacturer"`
	ModelNumber       string `json:"ModelNumber"`
	FirmwareName      string `json:"FirmwareName"`
	FirmwareVersion   string `json:"FirmwareVersion"`
	DeviceID          string `json:"DeviceID"`
	DeviceAuth        string `json:"DeviceAuth"`
	BaseURL           string `json:"BaseURL"`
	LineupURL         string `json:"LineupURL"`
	TunerCount        int    `json:"TunerCount"`
	SupportsEPG       bool   `json:"SupportsEPG"`
	EPGURL            string `json:"EPGURL"`
	EPGSource         string `json:"EPGSource"`
	GuideURL          string `json:"GuideURL"`
	XMLTVGuideDataURL string `json:"XMLTVGuideDataURL"`
	EPGDays           int    `json:"EPGDays"`
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
	EPGAvailable   bool     `json:"EPGAvailable"`
	EPGLastUpdate  int64    `json:"EPGLastUpdate"`
}

type lineupEntry struct {
	GuideNumber  string `json:"GuideNumber"`
	GuideName    string `json:"GuideName"`
	URL          string `json:"URL"`
	HD           int    `json:"HD"`
	EPGAvailable bool   `json:"EPGAvailable"`
	EPGChannelID string `json:"EPGChannelID"`
	GuideURL     string `json:"GuideURL"`
}

// baseURL canonicalizes the request Host (or the configured AdvertisedHost)
// into ASCII form before it's echoed back into BaseURL/stream URLs: some
// Plex clients resolve the advertised host themselves and choke on non-ASCII
// hostnames reflected verbatim from a Host header.
func (s *Server) baseURL(r *http.Request) string {
	host := s.cfg.AdvertisedHost
	if host == "" {
		host = r.Host
	}
	if ascii, err := idna.Lookup.ToASCII(hostOnly(host)); err == nil && ascii != "" {
		host = replaceHost(host, ascii)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// hostOnly strips a trailing :port so idna.ToASCII doesn't choke on it.
func hostOnly(hostport string) string {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i]
		}
		if hostport[i] == ']' {
			break
		}
	}
	return hostport
}

func replaceHost(hostport, newHost string) string {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return newHost + hostport[i:]
		}
	}
	return newHost
}

// jsonContentType is the Content-Type every JSON body on this surface must
// carry; some clients reject bodies that look like HTML error pages without
// the explicit charset.
const jsonContentType = "application/json; charset=utf-8"

func (s *Server) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	resp := discoverResponse{
		FriendlyName:      s.cfg.FriendlyName,
		Manufacturer:      "Silicondust",
		ModelNumber:       s.cfg.ModelName,
		FirmwareName:      s.cfg.FirmwareName,
		FirmwareVersion:   s.cfg.FirmwareName,
		DeviceID:          s.cfg.DeviceID,
		DeviceAuth:        "plexbridge",
		BaseURL:           base,
		LineupURL:         base + "/lineup.json",
		TunerCount:        s.cfg.TunerCount,
		SupportsEPG:       true,
		EPGURL:            base + "/epg/xmltv.xml",
		EPGSource:         "plexbridge",
		GuideURL:          base + "/epg/xmltv.xml",
		XMLTVGuideDataURL: base + "/epg/xmltv.xml",
		EPGDays:           s.cfg.EPGDays,
	}
	w.Header().Set("Content-Type", jsonContentType)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) HandleLineupStatus(w http.ResponseWriter, r *http.Request) {
	resp := lineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
		EPGAvailable:   true,
	}
	if last, err := s.store.LatestEPGSuccess(r.Context()); err == nil && !last.IsZero() {
		resp.EPGLastUpdate = last.Unix()
	}
	w.Header().Set("Content-Type", jsonContentType)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) HandleLineupPost(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListEnabledChannels(r.Context())
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}
	base := s.baseURL(r)
	out := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		epgID := ch.EPGID
		if epgID == "" {
			epgID = ch.ID
		}
		out = append(out, lineupEntry{
			GuideNumber:  strconv.Itoa(ch.Number),
			GuideName:    ch.Name,
			URL:          fmt.Sprintf("%s/stream/%s", base, ch.ID),
			HD:           1,
			EPGAvailable: true,
			EPGChannelID: epgID,
			GuideURL:     fmt.Sprintf("%s/epg/xmltv/%s", base, ch.ID),
		})
	}
	w.Header().Set("Content-Type", jsonContentType)
	json.NewEncoder(w).Encode(out)
}

type deviceXMLRoot struct {
	XMLName     xml.Name `xml:"root"`
	XMLNS       string   `xml:"xmlns,attr"`
	SpecVersion struct {
		Major int `xml:"major"`
		Minor int `xml:"minor"`
	} `xml:"specVersion"`
	Device struct {
		DeviceType      string `xml:"deviceType"`
		FriendlyName    string `xml:"friendlyName"`
		Manufacturer    string `xml:"manufacturer"`
		ManufacturerURL string `xml:"manufacturerURL"`
		ModelName       string `xml:"modelName"`
		ModelNumber     string `xml:"modelNumber"`
		SerialNumber    string `xml:"serialNumber"`
		UDN             string `xml:"UDN"`
		PresentationURL string `xml:"presentationURL"`
	} `xml:"device"`
}

func (s *Server) HandleDeviceXML(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	root := deviceXMLRoot{XMLNS: "urn:schemas-upnp-org:device-1-0"}
	root.SpecVersion.Major = 1
	root.SpecVersion.Minor = 0
	root.Device.DeviceType = "urn:schemas-upnp-org:device:MediaServer:1"
	root.Device.FriendlyName = s.cfg.FriendlyName
	root.Device.Manufacturer = "Silicondust"
	root.Device.ManufacturerURL = "https://www.silicondust.com"
	root.Device.ModelName = s.cfg.ModelName
	root.Device.ModelNumber = s.cfg.ModelName
	root.Device.SerialNumber = s.cfg.DeviceID
	root.Device.UDN = "uuid:" + s.cfg.DeviceID
	root.Device.PresentationURL = base + "/"

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	enc.Encode(root)
}

// ListChannels returns the channels the lineup advertises (enabled, with at
// least one enabled stream) without duplicating the Store lookup logic.
func (s *Server) ListChannels(ctx context.Context) ([]store.Channel, error) {
	return s.store.ListEnabledChannels(ctx)
}

// liveMetadataContentType is the numeric content type the metadata stub
// advertises for a live channel item. Some clients want 4 (episode), others
// 5 (Live TV); 4 is what this implementation emits.
const liveMetadataContentType = 4

// HandleLibraryMetadata serves the minimal per-channel metadata stub some
// Plex clients request before playing a tuner channel: one MediaContainer
// item typed "clip" with a numeric content type, titled after the channel.
// Without it those clients fall back to an HTML 404 and abort playback.
func (s *Server) HandleLibraryMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}
	item := map[string]any{
		"key":         "/library/metadata/" + ch.ID,
		"ratingKey":   ch.ID,
		"type":        "clip",
		"contentType": liveMetadataContentType,
		"title":       ch.Name,
		"live":        1,
		"index":       ch.Number,
	}
	if ch.Logo != "" {
		item["thumb"] = ch.Logo
	}
	resp := map[string]any{
		"MediaContainer": map[string]any{
			"size":     1,
			"Metadata": []any{item},
		},
	}
	w.Header().Set("Content-Type", jsonContentType)
	json.NewEncoder(w).Encode(resp)
}
