package encoder

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Profile names one of the encoding presets an admin can assign per channel
// or take as the bridge-wide default. The field set mirrors the recognized
// encoding-profile options: preset, input reconnect, anti-loop, GOP/keyframe
// shaping, codecs, container, timestamp strategy, retry budget, session
// timeout, and monitoring. Admins can replace any named profile through a
// hot-reloaded override file.
type Profile struct {
	Name             string        `json:"name,omitempty"`
	Preset           string        `json:"preset,omitempty"`             // ffmpeg -preset; empty = encoder default
	InputReconnect   bool          `json:"input_reconnect,omitempty"`    // auto-reconnect the HTTP input on drop
	AntiLoop         bool          `json:"anti_loop,omitempty"`          // looping upstream: start at live edge, cap mux queue
	GOPSize          int           `json:"gop_size,omitempty"`           // frames per GOP when re-encoding
	KeyframeInterval int           `json:"keyframe_interval,omitempty"`  // seconds between forced keyframes
	VideoCodec       string        `json:"video_codec,omitempty"`        // "copy" for remux
	AudioCodec       string        `json:"audio_codec,omitempty"`        // "copy" for remux
	VideoBitrate     string        `json:"video_bitrate,omitempty"`      // e.g. "4000k"; empty = let codec decide
	AudioBitrate     string        `json:"audio_bitrate,omitempty"`      // e.g. "192k"
	Container        string        `json:"container,omitempty"`          // "mpegts" (default) or "mp4" (browser preview)
	TimestampStrategy string       `json:"timestamp_strategy,omitempty"` // "" | "genpts" | "passthrough"
	RetryAttempts    int           `json:"retry_attempts,omitempty"`     // extra encoder invocations on early EOF
	SessionTimeout   time.Duration `json:"session_timeout,omitempty"`
	EnableMonitoring bool          `json:"enable_monitoring,omitempty"`  // keep ffmpeg's progress stats in stderr
	ExtraArgs        []string      `json:"extra_args,omitempty"`
}

var builtinProfiles = map[string]Profile{
	"direct": {Name: "direct", VideoCodec: "copy", AudioCodec: "copy"},
	"remux":  {Name: "remux", VideoCodec: "copy", AudioCodec: "copy", RetryAttempts: 1},
	"compat": {
		Name:              "compat",
		Preset:            "veryfast",
		VideoCodec:        "libx264",
		AudioCodec:        "aac",
		VideoBitrate:      "4000k",
		AudioBitrate:      "192k",
		GOPSize:           50,
		KeyframeInterval:  2,
		TimestampStrategy: "genpts",
		RetryAttempts:     1,
		ExtraArgs:         []string{"-profile:v", "main", "-pix_fmt", "yuv420p"},
	},
	"mobile": {
		Name:              "mobile",
		Preset:            "veryfast",
		VideoCodec:        "libx264",
		AudioCodec:        "aac",
		VideoBitrate:      "1500k",
		AudioBitrate:      "128k",
		GOPSize:           50,
		KeyframeInterval:  2,
		TimestampStrategy: "genpts",
		RetryAttempts:     1,
		ExtraArgs:         []string{"-profile:v", "baseline", "-pix_fmt", "yuv420p"},
	},
	// high-reliability is the escalation target for streams that keep
	// failing: reconnect the input, regenerate timestamps, start at the
	// live edge with a tight GOP so a looping upstream can't wedge the mux.
	"high-reliability": {
		Name:              "high-reliability",
		Preset:            "veryfast",
		InputReconnect:    true,
		AntiLoop:          true,
		GOPSize:           30,
		KeyframeInterval:  1,
		VideoCodec:        "libx264",
		AudioCodec:        "aac",
		VideoBitrate:      "3000k",
		AudioBitrate:      "128k",
		TimestampStrategy: "genpts",
		RetryAttempts:     1,
		ExtraArgs:         []string{"-profile:v", "main", "-pix_fmt", "yuv420p"},
	},
}

// overrides holds the hot-reloaded per-name profile overrides; a nil map
// means "no override file loaded". transients are derived profiles the
// gateway registers at runtime (e.g. an MP4-container preview variant) and
// survive an override-file reload.
var (
	overridesMu sync.RWMutex
	overrides   map[string]Profile
	transients  = map[string]Profile{}
)

// SetTransient registers (or replaces) a runtime-derived profile under its
// own name.
func SetTransient(p Profile) {
	overridesMu.Lock()
	transients[NormalizeProfileName(p.Name)] = p
	overridesMu.Unlock()
}

// SetOverrides atomically replaces the override set. Called by the config
// watcher whenever the profile override file changes on disk.
func SetOverrides(m map[string]Profile) {
	overridesMu.Lock()
	overrides = m
	overridesMu.Unlock()
}

// LoadOverrides parses a JSON object mapping profile name to Profile.
func LoadOverrides(r io.Reader) (map[string]Profile, error) {
	var raw map[string]Profile
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]Profile, len(raw))
	for name, p := range raw {
		key := NormalizeProfileName(name)
		p.Name = key
		out[key] = p
	}
	return out, nil
}

// NormalizeProfileName lowercases and trims a profile name, returning
// "direct" for empty input.
func NormalizeProfileName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "direct"
	}
	return name
}

// ResolveProfile returns the named profile, override file first, then
// builtins, or the "direct" profile if name isn't recognized (an unknown
// override never causes an encoder failure).
func ResolveProfile(name string) Profile {
	key := NormalizeProfileName(name)
	overridesMu.RLock()
	p, ok := overrides[key]
	if !ok {
		p, ok = transients[key]
	}
	overridesMu.RUnlock()
	if ok {
		return p
	}
	if p, ok := builtinProfiles[key]; ok {
		return p
	}
	return builtinProfiles["direct"]
}
