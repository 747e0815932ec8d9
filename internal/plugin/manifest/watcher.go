package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/sentra-run/sentra/internal/event"
)

// LoadFunc installs a plugin described by a freshly (re)parsed manifest.
type LoadFunc func(ctx context.Context, m Manifest) error

// UnloadFunc tears down a previously loaded plugin by id.
type UnloadFunc func(ctx context.Context, id string) error

// defaultDebounce coalesces the burst of Write/Create/Rename events a
// single save typically produces into one reconciliation.
const defaultDebounce = 150 * time.Millisecond

// Watcher watches a directory of plugin manifest files, loading,
// reloading, and unloading plugins as files appear, change, or
// disappear.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	load     LoadFunc
	unload   UnloadFunc
	debounce time.Duration

	mu        sync.Mutex
	loaded    map[string]Manifest // id -> currently loaded manifest
	pathToID  map[string]string   // manifest file path -> id it last loaded
	timers    map[string]*time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over dir. Call Start to perform the
// initial scan and begin watching.
func NewWatcher(dir string, load LoadFunc, unload UnloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		fsw:      fsw,
		load:     load,
		unload:   unload,
		debounce: defaultDebounce,
		loaded:   make(map[string]Manifest),
		pathToID: make(map[string]string),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start loads every manifest currently in dir, then begins watching for
// changes in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return err
		}
	}
	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e.Name()) {
			continue
		}
		w.reconcile(ctx, filepath.Join(w.dir, e.Name()))
	}

	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

func isManifestFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isManifestFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReconcile(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("plugin manifest watcher error")
		}
	}
}

// scheduleReconcile debounces repeated events for the same path: each
// new event resets path's timer rather than firing a reconcile per
// event.
func (w *Watcher) scheduleReconcile(ctx context.Context, path string) {
	w.mu.Lock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.reconcile(ctx, path)
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
	})
	w.mu.Unlock()
}

// reconcile reads path, validates and integrity-checks the manifest it
// holds (if any), and loads/reloads/unloads the plugin accordingly.
func (w *Watcher) reconcile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.unloadByPath(ctx, path)
			return
		}
		log.Error().Err(err).Str("path", path).Msg("plugin manifest read failed")
		return
	}

	m, err := Parse(data)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("plugin manifest parse failed")
		return
	}
	if err := m.Validate(); err != nil {
		event.PublishSync(event.Event{Type: event.PluginFailed, Data: event.PluginFailedData{ID: m.ID, Error: err.Error()}})
		return
	}
	if m.Disabled {
		w.unloadByID(ctx, m.ID)
		return
	}
	if err := VerifyIntegrity(m); err != nil {
		event.PublishSync(event.Event{Type: event.PluginFailed, Data: event.PluginFailedData{ID: m.ID, Error: err.Error()}})
		return
	}

	w.mu.Lock()
	prev, existed := w.loaded[m.ID]
	w.mu.Unlock()

	if existed && prev.Equal(m) {
		return
	}
	if existed {
		if err := w.unload(ctx, m.ID); err != nil {
			log.Error().Err(err).Str("id", m.ID).Msg("plugin unload before reload failed")
			return
		}
	}
	if err := w.load(ctx, m); err != nil {
		event.PublishSync(event.Event{Type: event.PluginFailed, Data: event.PluginFailedData{ID: m.ID, Error: err.Error()}})
		return
	}

	w.mu.Lock()
	w.loaded[m.ID] = m
	w.pathToID[path] = m.ID
	w.mu.Unlock()

	event.PublishSync(event.Event{Type: event.PluginLoaded, Data: event.PluginLoadedData{ID: m.ID, Type: m.Type}})
}

func (w *Watcher) unloadByPath(ctx context.Context, path string) {
	w.mu.Lock()
	id, ok := w.pathToID[path]
	if ok {
		delete(w.pathToID, path)
		delete(w.loaded, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.unloadByID(ctx, id)
}

func (w *Watcher) unloadByID(ctx context.Context, id string) {
	w.mu.Lock()
	_, ok := w.loaded[id]
	delete(w.loaded, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.unload(ctx, id); err != nil {
		log.Error().Err(err).Str("id", id).Msg("plugin unload failed")
		return
	}
	event.PublishSync(event.Event{Type: event.PluginUnloaded, Data: event.PluginUnloadedData{ID: id}})
}

// Loaded returns a snapshot of currently loaded manifests by id.
func (w *Watcher) Loaded() map[string]Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Manifest, len(w.loaded))
	for k, v := range w.loaded {
		out[k] = v
	}
	return out
}

// Stop halts the watcher and releases its fsnotify handle.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	return w.fsw.Close()
}
