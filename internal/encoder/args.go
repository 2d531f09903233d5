package encoder

import (
	"strconv"
	"strings"

	"github.com/plexbridge/tuner/internal/classify"
)

// BuildArgs constructs the ffmpeg argument list for a single encoder
// invocation. Both the remux and transcode upstream classes go through
// this one function: ffmpeg ingests HLS/DASH/RTSP/RTMP
// directly via "-i url", so remux only differs from transcode in the codec
// args (-c copy vs. a real encode), and both differ from direct pass-through
// only in whether ffmpeg runs at all.
func BuildArgs(mode classify.Mode, profile Profile, inputURL string) []string {
	args := []string{
		"-loglevel", "warning",
		"-nostdin",
	}
	if !profile.EnableMonitoring {
		args = append(args, "-nostats")
	}

	if profile.InputReconnect && strings.HasPrefix(strings.ToLower(inputURL), "http") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	if profile.TimestampStrategy == "genpts" {
		args = append(args, "-fflags", "+genpts+discardcorrupt")
	}
	if profile.AntiLoop && strings.Contains(strings.ToLower(inputURL), ".m3u8") {
		// Looping HLS sources replay their playlist from the top; pinning
		// the demuxer to the live edge stops the replay from ever entering
		// the mux.
		args = append(args, "-live_start_index", "-1")
	}

	args = append(args, "-re", "-i", inputURL)

	videoCodec, audioCodec := profile.VideoCodec, profile.AudioCodec
	if mode == classify.ModeRemux {
		videoCodec, audioCodec = "copy", "copy"
	}
	if videoCodec == "" {
		videoCodec = "copy"
	}
	if audioCodec == "" {
		audioCodec = "copy"
	}

	args = append(args, "-map", "0:v:0?", "-map", "0:a:0?")
	args = append(args, "-c:v", videoCodec)
	if videoCodec != "copy" {
		if profile.Preset != "" {
			args = append(args, "-preset", profile.Preset)
		}
		if profile.VideoBitrate != "" {
			args = append(args, "-b:v", profile.VideoBitrate)
		}
		if profile.GOPSize > 0 {
			args = append(args, "-g", strconv.Itoa(profile.GOPSize), "-sc_threshold", "0")
		}
		if profile.KeyframeInterval > 0 {
			args = append(args, "-force_key_frames", "expr:gte(t,n_forced*"+strconv.Itoa(profile.KeyframeInterval)+")")
		}
		args = append(args, profile.ExtraArgs...)
	}
	args = append(args, "-c:a", audioCodec)
	if audioCodec != "copy" && profile.AudioBitrate != "" {
		args = append(args, "-b:a", profile.AudioBitrate)
	}

	if profile.AntiLoop {
		args = append(args, "-max_muxing_queue_size", "1024")
	}

	switch profile.Container {
	case "mp4":
		// Browser preview: fragmented MP4 so the body streams without a
		// seekable moov atom.
		args = append(args, "-f", "mp4", "-movflags", "frag_keyframe+empty_moov+default_base_moof")
	default:
		args = append(args,
			"-f", "mpegts",
			"-mpegts_flags", "+resend_headers",
			"-muxdelay", "0",
			"-muxpreload", "0",
		)
	}
	args = append(args, "pipe:1")
	return args
}
