// Package epgxml implements the XMLTV decode half of the EPG ingester:
// streaming out <channel> and <programme> elements without buffering the
// whole document, tolerant of attributes-vs-elements and
// arrays-of-one-vs-many the way real-world feeds mix them. The decoders
// walk tokens looking for specific element names rather than unmarshaling
// the document whole, since feeds routinely run to hundreds of megabytes.
package epgxml

import (
	"bufio"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// Channel is one <channel> element from an XMLTV document.
type Channel struct {
	ID          string
	DisplayName string
	IconURL     string
}

// Programme is one <programme> element from an XMLTV document, decoded into
// the fields store.EPGProgram needs (time.Time instead of XMLTV's packed
// "YYYYMMDDHHMMSS ±ZZZZ" strings, booleans instead of bare presence tags).
type Programme struct {
	Channel           string
	Title             string
	Subtitle          string
	Description       string
	Start             time.Time
	End               time.Time
	Category          string
	SecondaryCategory string
	Year              int
	Country           string
	IconURL           string
	EpisodeNumber     int
	SeasonNumber      int
	SeriesID          string
	Keywords          string
	Rating            string
	AudioDescription  bool
	Subtitled         bool
	HD                bool
	Premiere          bool
	Finale            bool
	Live              bool
	NewEpisode        bool
}

// Document is the result of a full parse: the channel list and programme
// list observed in document order.
type Document struct {
	Channels   []Channel
	Programmes []Programme
}

// Validate reports whether raw XMLTV bytes look like a real feed: it must
// contain "<tv" and either "<programme" or "<channel".
// This is a cheap substring scan, not a parse, so malformed-but-plausible
// documents still reach the real parser and fail there with a precise error.
func Validate(data []byte) error {
	s := string(data)
	if !strings.Contains(s, "<tv") {
		return errors.New("xmltv: missing <tv root element")
	}
	if !strings.Contains(s, "<programme") && !strings.Contains(s, "<channel") {
		return errors.New("xmltv: no <channel> or <programme> elements found")
	}
	return nil
}

// Parse streams channels and programmes out of r. Per-element errors (a
// malformed start time, say) are skipped rather than aborting the whole
// parse; callers apply the row-tolerance thresholds downstream, not here.
func Parse(r io.Reader) (Document, error) {
	dec := xml.NewDecoder(bufio.NewReaderSize(r, 64*1024))
	// Some feeds advertise an XML encoding database/sql never needs and that
	// encoding/xml doesn't auto-detect; treat anything unrecognized as UTF-8,
	// which covers the overwhelming majority of real-world XMLTV feeds.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var doc Document
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return doc, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			var raw rawChannel
			if err := dec.DecodeElement(&raw, &se); err != nil {
				continue
			}
			doc.Channels = append(doc.Channels, raw.toChannel())
		case "programme":
			var raw rawProgramme
			if err := dec.DecodeElement(&raw, &se); err != nil {
				continue
			}
			if p, ok := raw.toProgramme(); ok {
				doc.Programmes = append(doc.Programmes, p)
			}
		}
	}
	return doc, nil
}

type rawDisplayName struct {
	Text string `xml:",chardata"`
}

type rawIcon struct {
	Src string `xml:"src,attr"`
}

type rawChannel struct {
	ID           string           `xml:"id,attr"`
	DisplayNames []rawDisplayName `xml:"display-name"`
	Icons        []rawIcon        `xml:"icon"`
}

func (r rawChannel) toChannel() Channel {
	ch := Channel{ID: strings.TrimSpace(r.ID)}
	if len(r.DisplayNames) > 0 {
		ch.DisplayName = strings.TrimSpace(r.DisplayNames[0].Text)
	}
	if len(r.Icons) > 0 {
		ch.IconURL = strings.TrimSpace(r.Icons[0].Src)
	}
	return ch
}

type rawCategory struct {
	Text string `xml:",chardata"`
}

type rawEpisodeNum struct {
	System string `xml:"system,attr"`
	Text   string `xml:",chardata"`
}

type rawRating struct {
	Value string `xml:"value"`
}

type rawFlag struct {
	XMLName xml.Name
}

type rawProgramme struct {
	Channel      string          `xml:"channel,attr"`
	Start        string          `xml:"start,attr"`
	Stop         string          `xml:"stop,attr"`
	Titles       []rawDisplayName `xml:"title"`
	SubTitles    []rawDisplayName `xml:"sub-title"`
	Descs        []rawDisplayName `xml:"desc"`
	Categories   []rawCategory    `xml:"category"`
	Icons        []rawIcon        `xml:"icon"`
	EpisodeNums  []rawEpisodeNum  `xml:"episode-num"`
	Country      []rawDisplayName `xml:"country"`
	Date         string           `xml:"date"`
	Rating       rawRating        `xml:"rating"`
	StarRating   rawRating        `xml:"star-rating"`
	Keywords     []rawDisplayName `xml:"keyword"`
	Premiere     *rawFlag         `xml:"premiere"`
	New          *rawFlag         `xml:"new"`
	Live         *rawFlag         `xml:"live"`
	Previously   *rawFlag         `xml:"previously-shown"`
	Subtitles    []struct {
		Type string `xml:"type,attr"`
	} `xml:"subtitles"`
	Video struct {
		Quality string `xml:"quality"`
	} `xml:"video"`
}

// toProgramme converts a raw decoded <programme>, returning ok=false when
// the times don't parse or start >= end.
func (r rawProgramme) toProgramme() (Programme, bool) {
	start, ok1 := parseXMLTVTime(r.Start)
	end, ok2 := parseXMLTVTime(r.Stop)
	if !ok1 || !ok2 || !start.Before(end) {
		return Programme{}, false
	}
	p := Programme{
		Channel: strings.TrimSpace(r.Channel),
		Start:   start,
		End:     end,
	}
	if len(r.Titles) > 0 {
		p.Title = strings.TrimSpace(r.Titles[0].Text)
	}
	if len(r.SubTitles) > 0 {
		p.Subtitle = strings.TrimSpace(r.SubTitles[0].Text)
	}
	if len(r.Descs) > 0 {
		p.Description = strings.TrimSpace(r.Descs[0].Text)
	}
	if len(r.Categories) > 0 {
		p.Category = strings.TrimSpace(r.Categories[0].Text)
	}
	if len(r.Categories) > 1 {
		p.SecondaryCategory = strings.TrimSpace(r.Categories[1].Text)
	}
	if len(r.Icons) > 0 {
		p.IconURL = strings.TrimSpace(r.Icons[0].Src)
	}
	if len(r.Country) > 0 {
		p.Country = strings.TrimSpace(r.Country[0].Text)
	}
	if len(r.Keywords) > 0 {
		kws := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if v := strings.TrimSpace(k.Text); v != "" {
				kws = append(kws, v)
			}
		}
		p.Keywords = strings.Join(kws, ",")
	}
	if d := strings.TrimSpace(r.Date); len(d) >= 4 {
		if y, err := strconv.Atoi(d[:4]); err == nil {
			p.Year = y
		}
	}
	if r.Rating.Value != "" {
		p.Rating = strings.TrimSpace(r.Rating.Value)
	} else if r.StarRating.Value != "" {
		p.Rating = strings.TrimSpace(r.StarRating.Value)
	}
	for _, en := range r.EpisodeNums {
		switch en.System {
		case "xmltv_ns":
			s, e := parseXMLTVEpisodeNS(en.Text)
			if p.SeasonNumber == 0 {
				p.SeasonNumber = s
			}
			if p.EpisodeNumber == 0 {
				p.EpisodeNumber = e
			}
		case "onscreen":
			s, e := parseOnscreenEpisode(en.Text)
			if p.SeasonNumber == 0 {
				p.SeasonNumber = s
			}
			if p.EpisodeNumber == 0 {
				p.EpisodeNumber = e
			}
		default:
			p.SeriesID = strings.TrimSpace(en.Text)
		}
	}
	p.Premiere = r.Premiere != nil
	p.NewEpisode = r.New != nil
	p.Live = r.Live != nil
	// XMLTV has no dedicated "finale" tag; infer it from a category hint.
	for _, c := range r.Categories {
		if strings.Contains(strings.ToLower(c.Text), "finale") {
			p.Finale = true
		}
	}
	for _, s := range r.Subtitles {
		switch s.Type {
		case "teletext", "onscreen", "deaf-signed":
			p.Subtitled = true
		}
	}
	if strings.Contains(strings.ToLower(r.Video.Quality), "hd") {
		p.HD = true
	}
	return p, true
}

// parseXMLTVTime parses XMLTV's "YYYYMMDDHHMMSS ±ZZZZ" format, tolerating
// the common variant with no timezone and the occasional feed that only
// gives a date.
func parseXMLTVTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		"20060102150405 -0700",
		"20060102150405-0700",
		"200601021504 -0700",
		"20060102150405",
		"20060102",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseXMLTVEpisodeNS parses the "S.E.P/T" xmltv_ns format (0-based season
// and episode; we store them 1-based to match on-screen numbering).
func parseXMLTVEpisodeNS(s string) (season, episode int) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return 0, 0
	}
	season = parseLeadingInt(parts[0]) + 1
	episode = parseLeadingInt(parts[1]) + 1
	if season <= 1 && parts[0] == "" {
		season = 0
	}
	if episode <= 1 && parts[1] == "" {
		episode = 0
	}
	return season, episode
}

// parseOnscreenEpisode parses "SxxExx" (or "Sxx Exx") onscreen notation.
func parseOnscreenEpisode(s string) (season, episode int) {
	s = strings.ToUpper(strings.TrimSpace(s))
	si := strings.IndexByte(s, 'S')
	ei := strings.IndexByte(s, 'E')
	if si < 0 || ei < 0 || ei <= si {
		return 0, 0
	}
	season = parseLeadingInt(s[si+1 : ei])
	episode = parseLeadingInt(s[ei+1:])
	return season, episode
}

func parseLeadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
