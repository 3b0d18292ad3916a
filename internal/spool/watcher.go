// Package spool replays notifications dropped into a directory as JSON or
// JSONC files. Processed files are renamed with a ".done" suffix.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/linearsync/internal/notify"
)

const doneSuffix = ".done"

type Submitter interface {
	Submit(n notify.Notification) error
}

type WatcherOptions struct {
	Dir       string
	Submitter Submitter
	Logger    *slog.Logger
}

type Watcher struct {
	dir       string
	submitter Submitter
	logger    *slog.Logger
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("spool: directory is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("spool: submitter is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:       dir,
		submitter: opts.Submitter,
		logger:    logger.With("spool_dir", dir),
	}, nil
}

// Run processes files already in the directory, then watches for new ones
// until ctx is cancelled. Writers should create files elsewhere and rename
// them into the directory; a file that fails to decode is left in place and
// retried on its next write event.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("spool: watch %s: %w", w.dir, err)
	}
	w.scan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.process(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", "err", err)
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool scan failed", "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.process(filepath.Join(w.dir, name))
	}
}

func isSpoolFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return true
	default:
		return false
	}
}

func (w *Watcher) process(path string) {
	if !isSpoolFile(path) {
		return
	}
	n, err := notify.DecodeFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		w.logger.Warn("skipping undecodable spool file", "file", path, "err", err)
		return
	}
	if err := w.submitter.Submit(n); err != nil {
		w.logger.Error("spool submit failed", "file", path, "channel", n.ChannelID, "ts", n.Timestamp, "err", err)
		return
	}
	if err := os.Rename(path, path+doneSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("spool rename failed", "file", path, "err", err)
		return
	}
	w.logger.Info("spooled notification submitted", "file", filepath.Base(path), "channel", n.ChannelID, "ts", n.Timestamp)
}
