package fileserver

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ignoredDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"__pycache__":  {},
}

// watcher turns fsnotify events under the share root into hub broadcasts.
// New subdirectories are watched as they appear.
type watcher struct {
	fs      *fsnotify.Watcher
	srv     *Server
	hub     *hub
	log     *slog.Logger
	watched map[string]struct{}
	done    chan struct{}
}

func newWatcher(s *Server, h *hub, logger *slog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:      fw,
		srv:     s,
		hub:     h,
		log:     logger,
		watched: map[string]struct{}{},
		done:    make(chan struct{}),
	}
	if err := fw.Add(s.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watched[s.root] = struct{}{}
	w.addTree(s.root)
	go w.loop()
	return w, nil
}

func (w *watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != root {
			if _, skip := ignoredDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
		}
		if _, ok := w.watched[p]; ok {
			return nil
		}
		if err := w.fs.Add(p); err == nil {
			w.watched[p] = struct{}{}
		}
		return nil
	})
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", "err", err)
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	rel, ok := w.srv.relFromFull(filepath.Clean(ev.Name))
	if !ok || rel == "" {
		return
	}

	ch := Change{Path: rel, At: time.Now().UTC()}
	switch {
	case ev.Has(fsnotify.Create):
		ch.Type = ChangeFileAdded
		if info, err := os.Stat(ev.Name); err == nil {
			item := newItem(rel, info)
			ch.Item = &item
			if info.IsDir() {
				w.addTree(ev.Name)
			}
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		ch.Type = ChangeFileRemoved
		delete(w.watched, filepath.Clean(ev.Name))
	case ev.Has(fsnotify.Write):
		ch.Type = ChangeFileChanged
		if info, err := os.Stat(ev.Name); err == nil {
			item := newItem(rel, info)
			ch.Item = &item
		}
	default:
		return
	}
	w.hub.broadcast(ch)
}

// Close stops watching and waits for the event loop to exit.
func (w *watcher) Close() {
	_ = w.fs.Close()
	<-w.done
}
