package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it is written or replaced and hands each
// valid result to onChange. Invalid edits are logged and skipped; the
// previous configuration stays in force. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors
// which save by rename keep being followed.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(Config)) error {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				log.Warn("reload failed", zap.String("path", abs), zap.Error(err))
				continue
			}
			if len(bytes.TrimSpace(data)) == 0 {
				// truncated ahead of the real write
				continue
			}
			cfg, err := Parse(data)
			if err != nil {
				log.Warn("reload rejected", zap.String("path", abs), zap.Error(err))
				continue
			}
			log.Info("reloaded", zap.String("path", abs), zap.String("op", ev.Op.String()))
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		}
	}
}
