package broker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const eventsFile = "events.jsonl"

// watcher reports which mailbox's event log changed so it can be read
// before the next scheduled scan.
type watcher struct {
	fs      *fsnotify.Watcher
	root    string
	logger  *slog.Logger
	changed chan string
}

func newWatcher(root string, logger *slog.Logger) (*watcher, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fs: fs, root: root, logger: logger, changed: make(chan string, 16)}
	if err := fs.Add(root); err != nil {
		fs.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		fs.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.add(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

func (w *watcher) add(dir string) {
	if err := w.fs.Add(dir); err != nil {
		w.logger.Debug("watch mailbox", "dir", dir, "err", err)
	}
}

func (w *watcher) Close() error { return w.fs.Close() }

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			dir := filepath.Dir(event.Name)
			if dir == w.root {
				// A mailbox was created; watch it too.
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						w.add(event.Name)
					}
				}
				continue
			}
			if filepath.Base(event.Name) != eventsFile || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.changed <- filepath.Base(dir):
			default:
				// A read is already due.
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", "err", err)
		}
	}
}
