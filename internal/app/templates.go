package app

import (
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
	"github.com/allenxing4071/aicoin-sub002/internal/router"
)

// templateWatcher reloads the template registry when files in the template
// directory change. A broken edit keeps the previous snapshot live.
type templateWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func watchTemplates(dir string, registry *router.Registry) (*templateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	tw := &templateWatcher{watcher: w, done: make(chan struct{})}
	go tw.loop(registry)
	return tw, nil
}

func (t *templateWatcher) loop(registry *router.Registry) {
	for {
		select {
		case <-t.done:
			return
		case evt, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Remove) {
				continue
			}
			if !strings.HasSuffix(evt.Name, ".tmpl") {
				continue
			}
			if err := registry.Reload(); err != nil {
				logger.Errorf("app: template reload failed (%s): %v", evt.Name, err)
				continue
			}
			logger.Infof("app: templates reloaded after change to %s", evt.Name)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("app: template watcher error: %v", err)
		}
	}
}

func (t *templateWatcher) Close() {
	if t == nil {
		return
	}
	close(t.done)
	t.watcher.Close()
}
