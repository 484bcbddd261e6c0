package certrotate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/opcuad/internal/svcfields"
	"pkt.systems/pslog"
)

// Watcher watches a certificate bundle path on disk and, on change,
// reloads it and invokes onReload with the previous and new bundle so the
// caller can drive UpdateCertificate. This supplements the spec's
// programmatic UpdateCertificate entrypoint with an operator-free
// hot-reload path; it is off by default (see SPEC_FULL.md).
type Watcher struct {
	bundlePath   string
	denylistPath string
	logger       pslog.Logger
	onReload     func(old, new *Bundle)

	mu      sync.Mutex
	current *Bundle
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher builds a Watcher for bundlePath, seeding it with an already
// loaded initial bundle.
func NewWatcher(bundlePath, denylistPath string, initial *Bundle, onReload func(old, new *Bundle), logger pslog.Logger) *Watcher {
	return &Watcher{
		bundlePath:   bundlePath,
		denylistPath: denylistPath,
		logger:       svcfields.WithSubsystem(logger, "server.certrotate.watch"),
		onReload:     onReload,
		current:      initial,
	}
}

// Start begins watching the bundle file for writes. Start returns once
// the watch is established; reload events are delivered on a background
// goroutine until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("certrotate: create watcher: %w", err)
	}
	if err := fw.Add(w.bundlePath); err != nil {
		fw.Close()
		return fmt.Errorf("certrotate: watch %q: %w", w.bundlePath, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(ctx, fw, done)
	return nil
}

// Stop tears down the watch.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw := w.watcher
	done := w.done
	w.watcher = nil
	w.mu.Unlock()
	if fw == nil {
		return
	}
	fw.Close()
	if done != nil {
		<-done
	}
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("certrotate.watch_error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.bundlePath)
	if err != nil {
		w.logger.Warn("certrotate.reload_failed", "error", err)
		return
	}
	fresh, err := parseAndBuildBundle(data, w.denylistPath)
	if err != nil {
		w.logger.Warn("certrotate.reload_failed", "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	if old != nil && bytes.Equal(old.ServerCertPEM, fresh.ServerCertPEM) {
		w.mu.Unlock()
		return
	}
	w.current = fresh
	w.mu.Unlock()

	w.logger.Info("certrotate.reloaded")
	if w.onReload != nil {
		w.onReload(old, fresh)
	}
}
