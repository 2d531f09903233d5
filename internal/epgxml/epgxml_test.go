package epgxml

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `<tv><channel id="a"/></tv>`, false},
		{"missing tv root", `<guide><channel id="a"/></guide>`, true},
		{"no channel or programme", `<tv></tv>`, true},
		{"empty", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate([]byte(c.body))
			if (err != nil) != c.wantErr {
				t.Errorf("Validate(%q) err = %v, wantErr %v", c.body, err, c.wantErr)
			}
		})
	}
}

const sampleDoc = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1.uk">
    <display-name>BBC One</display-name>
    <icon src="http://logo/bbc1.png"/>
  </channel>
  <programme start="20260801190000 +0000" stop="20260801200000 +0000" channel="bbc1.uk">
    <title>News at Ten</title>
    <sub-title>Season Finale</sub-title>
    <desc>The day's top stories.</desc>
    <category>News</category>
    <category>Season Finale</category>
    <episode-num system="xmltv_ns">0.4.0/1</episode-num>
    <new/>
    <premiere/>
    <video><quality>HDTV</quality></video>
  </programme>
  <programme start="20260801200000 +0000" stop="20260801183000 +0000" channel="bbc1.uk">
    <title>Bad Times</title>
  </programme>
</tv>`

func TestParse(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Channels) != 1 {
		t.Fatalf("expected 1 channel; got %d", len(doc.Channels))
	}
	ch := doc.Channels[0]
	if ch.ID != "bbc1.uk" || ch.DisplayName != "BBC One" || ch.IconURL != "http://logo/bbc1.png" {
		t.Errorf("channel = %+v", ch)
	}

	// The second programme has stop before start and must be dropped rather
	// than aborting the whole parse.
	if len(doc.Programmes) != 1 {
		t.Fatalf("expected 1 valid programme; got %d", len(doc.Programmes))
	}
	p := doc.Programmes[0]
	if p.Title != "News at Ten" || p.Subtitle != "Season Finale" || p.Category != "News" {
		t.Errorf("programme = %+v", p)
	}
	if p.SeasonNumber != 1 || p.EpisodeNumber != 5 {
		t.Errorf("expected season=1 episode=5 (0-based xmltv_ns + 1); got season=%d episode=%d", p.SeasonNumber, p.EpisodeNumber)
	}
	if !p.NewEpisode || !p.Premiere {
		t.Errorf("expected NewEpisode and Premiere both true")
	}
	if !p.Finale {
		t.Errorf("expected Finale inferred from category %q", p.Category+","+p.SecondaryCategory)
	}
	if !p.HD {
		t.Errorf("expected HD true from video quality HDTV")
	}
}

func TestParseXMLTVTime(t *testing.T) {
	cases := map[string]bool{
		"20260801190000 +0000": true,
		"20260801190000-0700":  true,
		"202608011900 +0000":   true,
		"20260801190000":       true,
		"20260801":             true,
		"not-a-time":           false,
		"":                     false,
	}
	for s, want := range cases {
		_, ok := parseXMLTVTime(s)
		if ok != want {
			t.Errorf("parseXMLTVTime(%q) ok = %v, want %v", s, ok, want)
		}
	}
}

func TestParseOnscreenEpisode(t *testing.T) {
	season, episode := parseOnscreenEpisode("S03E12")
	if season != 3 || episode != 12 {
		t.Errorf("got season=%d episode=%d, want 3,12", season, episode)
	}
}

func TestParseXMLTVEpisodeNS(t *testing.T) {
	season, episode := parseXMLTVEpisodeNS("2.9.0/1")
	if season != 3 || episode != 10 {
		t.Errorf("got season=%d episode=%d, want 3,10 (0-based + 1)", season, episode)
	}
}
