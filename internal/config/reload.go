package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchFile watches path for writes/creates and invokes onChange each time.
// Reading the file's new contents is left to onChange; this only signals
// that the file changed. Used to hot-reload the channel alias
// override file and the per-channel encoding profile override file without
// a process restart. A missing path is a no-op: the caller still gets
// defaults from LoadAliasOverrides/profile parsing when the watch target
// doesn't exist yet.
func WatchFile(ctx context.Context, log zerolog.Logger, path string, onChange func()) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		log.Warn().Err(err).Str("path", path).Msg("config: override file not watchable yet")
		return nil
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					log.Info().Str("path", path).Msg("config: override file changed, reloading")
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("path", path).Msg("config: watch error")
			}
		}
	}()
	return nil
}
