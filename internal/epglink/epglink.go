// Package epglink resolves the channel ID mapping at the heart of C3:
// matching an upstream EPG channel identifier to a local Channel, and vice
// versa, via a tiered matcher: tvg-id exact, alias override, then
// normalized-name exact. Every tier is deterministic so match reports stay
// reproducible run to run.
package epglink

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/plexbridge/tuner/internal/store"
)

type XMLTVChannel struct {
	ID           string   `json:"id"`
	DisplayNames []string `json:"display_names,omitempty"`
}

// AliasOverrides maps a normalized provider channel name to an XMLTV channel
// id, loaded from a hot-reloadable JSON file.
type AliasOverrides struct {
	NameToXMLTVID map[string]string `json:"name_to_xmltv_id,omitempty"`
}

type MatchMethod string

const (
	MatchEPGIDExact          MatchMethod = "epg_id_exact"
	MatchAliasExact          MatchMethod = "alias_exact"
	MatchNormalizedNameExact MatchMethod = "name_exact"
)

type ChannelMatch struct {
	ChannelID  string      `json:"channel_id"`
	Number     int         `json:"number"`
	Name       string      `json:"name"`
	EPGID      string      `json:"epg_id,omitempty"`
	Matched    bool        `json:"matched"`
	MatchedEPG string      `json:"matched_epg_id,omitempty"`
	Method     MatchMethod `json:"method,omitempty"`
	Normalized string      `json:"normalized_name,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

type Report struct {
	TotalChannels int            `json:"total_channels"`
	Matched       int            `json:"matched"`
	Unmatched     int            `json:"unmatched"`
	Methods       map[string]int `json:"methods"`
	Rows          []ChannelMatch `json:"rows"`
}

type ApplyResult struct {
	Applied       int            `json:"applied"`
	AlreadyLinked int            `json:"already_linked"`
	Methods       map[string]int `json:"methods"`
}

// NormalizeName performs conservative normalization for deterministic
// channel matching: strip punctuation/spacing noise, drop common
// quality/region tokens, lowercase.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	toks := strings.Fields(b.String())
	if len(toks) == 0 {
		return ""
	}
	noise := map[string]struct{}{
		"hd": {}, "uhd": {}, "fhd": {}, "sd": {}, "4k": {},
		"us": {}, "usa": {}, "uk": {}, "ca": {}, "canada": {}, "cdn": {},
		"hq": {}, "vip": {}, "backup": {}, "raw": {},
	}
	out := toks[:0]
	for _, t := range toks {
		if _, drop := noise[t]; drop {
			continue
		}
		out = append(out, t)
	}
	joined := strings.Join(out, "")
	joined = strings.ReplaceAll(joined, "channel", "")
	return joined
}

// ParseXMLTVChannels streams <channel> elements out of an XMLTV document
// without buffering the whole file.
func ParseXMLTVChannels(r io.Reader) ([]XMLTVChannel, error) {
	dec := xml.NewDecoder(r)
	type displayName struct {
		Text string `xml:",chardata"`
	}
	type chNode struct {
		ID           string        `xml:"id,attr"`
		DisplayNames []displayName `xml:"display-name"`
	}
	var out []XMLTVChannel
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "channel" {
			continue
		}
		var node chNode
		if err := dec.DecodeElement(&node, &se); err != nil {
			return nil, err
		}
		if strings.TrimSpace(node.ID) == "" {
			continue
		}
		row := XMLTVChannel{ID: strings.TrimSpace(node.ID)}
		for _, dn := range node.DisplayNames {
			if name := strings.TrimSpace(dn.Text); name != "" {
				row.DisplayNames = append(row.DisplayNames, name)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func LoadAliasOverrides(r io.Reader) (AliasOverrides, error) {
	var out AliasOverrides
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return AliasOverrides{}, err
	}
	if out.NameToXMLTVID == nil {
		out.NameToXMLTVID = map[string]string{}
	}
	norm := make(map[string]string, len(out.NameToXMLTVID))
	for k, v := range out.NameToXMLTVID {
		nk := NormalizeName(k)
		if nk == "" || strings.TrimSpace(v) == "" {
			continue
		}
		norm[nk] = strings.TrimSpace(v)
	}
	out.NameToXMLTVID = norm
	return out, nil
}

// MatchChannels applies the tiered match (epg-id exact, alias exact,
// normalized-name exact, in that priority) between local channels and the
// EPG channels observed in a freshly-parsed XMLTV document.
func MatchChannels(channels []store.Channel, xmltv []XMLTVChannel, aliases AliasOverrides) Report {
	byID := map[string]string{}
	nameToID := map[string]string{} // "" marks an ambiguous normalized name
	for _, ch := range xmltv {
		idKey := strings.ToLower(strings.TrimSpace(ch.ID))
		if idKey != "" {
			byID[idKey] = ch.ID
		}
		names := append([]string{ch.ID}, ch.DisplayNames...)
		for _, n := range names {
			nk := NormalizeName(n)
			if nk == "" {
				continue
			}
			if existing, ok := nameToID[nk]; ok && existing != ch.ID {
				nameToID[nk] = ""
				continue
			}
			nameToID[nk] = ch.ID
		}
	}

	rep := Report{TotalChannels: len(channels), Methods: map[string]int{}, Rows: make([]ChannelMatch, 0, len(channels))}
	for _, ch := range channels {
		row := ChannelMatch{
			ChannelID:  ch.ID,
			Number:     ch.Number,
			Name:       ch.Name,
			EPGID:      ch.EPGID,
			Normalized: NormalizeName(ch.Name),
		}
		if eid := strings.ToLower(strings.TrimSpace(ch.EPGID)); eid != "" {
			if xmlID, ok := byID[eid]; ok {
				row.Matched, row.MatchedEPG, row.Method = true, xmlID, MatchEPGIDExact
			}
		}
		if !row.Matched && row.Normalized != "" {
			if xmlID := aliases.NameToXMLTVID[row.Normalized]; xmlID != "" {
				row.Matched, row.MatchedEPG, row.Method = true, xmlID, MatchAliasExact
			}
		}
		if !row.Matched && row.Normalized != "" {
			if xmlID, ok := nameToID[row.Normalized]; ok {
				if xmlID != "" {
					row.Matched, row.MatchedEPG, row.Method = true, xmlID, MatchNormalizedNameExact
				} else {
					row.Reason = "ambiguous normalized name"
				}
			}
		}
		if !row.Matched && row.Reason == "" {
			row.Reason = "no deterministic match"
		}
		if row.Matched {
			rep.Matched++
			rep.Methods[string(row.Method)]++
		}
		rep.Rows = append(rep.Rows, row)
	}
	rep.Unmatched = rep.TotalChannels - rep.Matched
	sort.Slice(rep.Rows, func(i, j int) bool {
		if rep.Rows[i].Matched != rep.Rows[j].Matched {
			return rep.Rows[j].Matched
		}
		if rep.Rows[i].Number != rep.Rows[j].Number {
			return rep.Rows[i].Number < rep.Rows[j].Number
		}
		return strings.ToLower(rep.Rows[i].Name) < strings.ToLower(rep.Rows[j].Name)
	})
	return rep
}

func (r Report) UnmatchedRows() []ChannelMatch {
	out := make([]ChannelMatch, 0, r.Unmatched)
	for _, row := range r.Rows {
		if !row.Matched {
			out = append(out, row)
		}
	}
	return out
}

func (r Report) SummaryString() string {
	methods := make([]string, 0, len(r.Methods))
	for k := range r.Methods {
		methods = append(methods, k)
	}
	sort.Strings(methods)
	var b strings.Builder
	fmt.Fprintf(&b, "EPG matches: %d/%d (%.1f%%)", r.Matched, r.TotalChannels, pct(r.Matched, r.TotalChannels))
	if len(methods) > 0 {
		b.WriteString(" [")
		for i, k := range methods {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%d", k, r.Methods[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

func pct(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) * 100 / float64(b)
}
