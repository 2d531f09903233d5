// Package encoder supervises the ffmpeg child process that backs remux
// and transcode streaming: building its argument list, starting it with
// stdout piped to the gateway's response writer, and tearing it down with a
// graceful signal-then-kill sequence.
package encoder

import (
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/classify"
)

type Instance struct {
	cmd    *exec.Cmd
	log    zerolog.Logger
	done   chan error
}

// Start launches ffmpegPath with BuildArgs(mode, profile, inputURL) and
// streams its stdout to w. Stderr is drained in chunks of up to 4 KiB to
// log at debug level so a misbehaving encoder doesn't block on a full stderr pipe.
func Start(ctx context.Context, ffmpegPath string, mode classify.Mode, profile Profile, inputURL string, w io.Writer, log zerolog.Logger) (*Instance, error) {
	args := BuildArgs(mode, profile, inputURL)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Stdout = w

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrEncoder, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.ErrEncoder, err)
	}

	inst := &Instance{cmd: cmd, log: log, done: make(chan error, 1)}
	go inst.drainStderr(stderr)
	go func() { inst.done <- cmd.Wait() }()
	return inst, nil
}

func (i *Instance) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			i.log.Debug().Str("component", "encoder").Msg(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Wait blocks until ffmpeg exits and returns its error (nil on clean exit).
func (i *Instance) Wait() error {
	err := <-i.done
	i.done <- err // put it back so a later Stop or Wait sees the exit
	return err
}

// Stop asks ffmpeg to exit gracefully (os.Interrupt, i.e. SIGINT), waiting up to
// grace before force-killing it. Safe to call after the process has already
// exited.
func (i *Instance) Stop(grace time.Duration) {
	if i.cmd.Process == nil {
		return
	}
	_ = i.cmd.Process.Signal(processInterruptSignal())
	select {
	case <-i.done:
		return
	case <-time.After(grace):
		_ = i.cmd.Process.Kill()
		<-i.done
	}
}
