package encoder

import (
	"context"
	"io"
	"time"
)

const (
	tsPacketSize  = 188
	nullPID       = 0x1FFF
	tsSyncByte    = 0x47
)

// nullTSPacket is a single MPEG-TS null packet (PID 0x1FFF): sync byte,
// transport_error=0, payload_unit_start=0, PID 0x1FFF, no scrambling, no
// adaptation field, payload_unit continuity counter 0, then 184 bytes of
// stuffing. Plex (and most TS demuxers) silently discard null-PID packets,
// so writing a steady stream of them holds the connection open while ffmpeg
// spins up without corrupting the eventual real payload.
var nullTSPacket = buildNullTSPacket()

func buildNullTSPacket() []byte {
	p := make([]byte, tsPacketSize)
	p[0] = tsSyncByte
	p[1] = byte(nullPID >> 8) // top 5 bits of PID plus transport_error/start/priority, all zero here
	p[2] = byte(nullPID & 0xFF)
	p[3] = 0x10 // no scrambling, no adaptation field, payload present, continuity counter 0
	for i := 4; i < tsPacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}

// NullTSKeepalive writes a null TS packet to w every interval until ctx is
// cancelled or a write fails, absorbing the startup latency of an ffmpeg
// remux/transcode so Plex's client doesn't time out waiting for the first
// byte. The caller starts this in its own goroutine and cancels it the
// moment the real encoder has produced its first packet.
func NullTSKeepalive(ctx context.Context, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Write(nullTSPacket); err != nil {
				return err
			}
		}
	}
}
