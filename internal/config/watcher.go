package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/notionmirror/internal/mirror"
)

type Logger interface {
	Printf(format string, args ...any)
}

type WatcherOptions struct {
	Path   string
	Lookup LookupEnv
	Logger Logger
	// Apply receives every successfully reloaded connection set.
	Apply func(conns []mirror.Connection)
}

// Watcher reloads the connections file when it changes. A reload that fails
// validation is logged and the previous connections stay active.
type Watcher struct {
	path    string
	lookup  LookupEnv
	logger  Logger
	apply   func(conns []mirror.Connection)
	watcher *fsnotify.Watcher

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// StartWatcher watches the file's directory so editors that replace the file
// by rename are noticed too.
func StartWatcher(ctx context.Context, opts WatcherOptions) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path := filepath.Clean(opts.Path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	var logger Logger = log.Default()
	if opts.Logger != nil {
		logger = opts.Logger
	}
	apply := opts.Apply
	if apply == nil {
		apply = func([]mirror.Connection) {}
	}
	w := &Watcher{path: path, lookup: opts.Lookup, logger: logger, apply: apply, watcher: fw}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config: watch %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) reload() {
	conns, err := Load(w.path, w.lookup)
	if err != nil {
		w.logger.Printf("config: reload %s rejected, keeping previous connections: %v", w.path, err)
		return
	}
	w.logger.Printf("config: reloaded %s connections=%d", w.path, len(conns))
	w.apply(conns)
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
