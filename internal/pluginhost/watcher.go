package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/skydeck-app/skydeck/internal/events"
)

// Watcher turns file system changes under the plugin directory into
// debounced hot reload requests. Changes to a registered plugin trigger
// a reload; a new plugin directory triggers a fresh install. Exclusion
// patterns are shared with the fingerprint scanner so editor temp files
// neither fire reloads nor churn fingerprints.
type Watcher struct {
	loader    *Loader
	scanner   *FingerprintScanner
	pluginDir string
	debounce  time.Duration
	logger    hclog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	changed map[string][]string
}

// NewWatcher creates a watcher over pluginDir.
func NewWatcher(loader *Loader, scanner *FingerprintScanner, pluginDir string, debounce time.Duration, logger hclog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		loader:    loader,
		scanner:   scanner,
		pluginDir: pluginDir,
		debounce:  debounce,
		logger:    logger.Named("watcher"),
		watcher:   fsWatcher,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*time.Timer),
		changed:   make(map[string][]string),
	}, nil
}

// Start adds watches for the plugin root and every existing plugin
// directory, then begins processing events.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.pluginDir); err != nil {
		return fmt.Errorf("plugin directory is not readable: %w", err)
	}
	if err := w.watcher.Add(w.pluginDir); err != nil {
		return fmt.Errorf("failed to watch plugin directory: %w", err)
	}

	entries, err := os.ReadDir(w.pluginDir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}
	watched := 0
	for _, entry := range entries {
		if !entry.IsDir() || w.scanner.Excluded(entry.Name()) {
			continue
		}
		path := filepath.Join(w.pluginDir, entry.Name())
		if err := w.watcher.Add(path); err != nil {
			w.logger.Error("failed to watch plugin directory", "path", path, "error", err)
			continue
		}
		watched++
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info("hot reload watcher started", "plugin_dir", w.pluginDir, "watched_directories", watched)
	return nil
}

// Stop cancels pending reloads and shuts the watcher down.
func (w *Watcher) Stop() error {
	w.cancel()
	w.watcher.Close()

	w.mu.Lock()
	for name, timer := range w.pending {
		timer.Stop()
		w.logger.Debug("cancelled pending reload", "dir", name)
	}
	w.pending = make(map[string]*time.Timer)
	w.changed = make(map[string][]string)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("hot reload watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.scanner.Excluded(filepath.Base(event.Name)) {
		return
	}
	rel, err := filepath.Rel(w.pluginDir, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	dirName := parts[0]

	if len(parts) == 1 {
		// Direct child of the root: only a newly created plugin
		// directory is interesting.
		if event.Op&fsnotify.Create == 0 {
			return
		}
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if err := w.watcher.Add(event.Name); err != nil {
			w.logger.Error("failed to watch new plugin directory", "path", event.Name, "error", err)
		}
		w.schedule(dirName, "")
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}
	w.logger.Debug("file system event", "dir", dirName, "op", event.Op.String(), "path", rel)
	w.schedule(dirName, rel)
}

// schedule (re)arms the debounce timer for one plugin directory and
// accumulates the files that changed while the timer ran.
func (w *Watcher) schedule(dirName, changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if changedFile != "" {
		w.changed[dirName] = append(w.changed[dirName], changedFile)
	}
	if timer, exists := w.pending[dirName]; exists {
		timer.Stop()
	}
	w.pending[dirName] = time.AfterFunc(w.debounce, func() {
		w.fire(dirName)
	})
}

// fire resolves a quiesced directory to a reload or a fresh install.
func (w *Watcher) fire(dirName string) {
	w.mu.Lock()
	files := w.changed[dirName]
	delete(w.changed, dirName)
	delete(w.pending, dirName)
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	dir := filepath.Join(w.pluginDir, dirName)
	pluginID, registered := w.loader.Registry().FindBySourceDir(dir)
	if !registered {
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			return
		}
		id, stage, err := w.loader.loadDir(w.ctx, dir, false)
		if err != nil {
			w.logger.Warn("new plugin could not be loaded",
				"dir", dirName, "plugin_id", id, "stage", stage, "error", err)
			return
		}
		w.loader.publish(events.EventPluginInstalled, id, "Plugin installed",
			fmt.Sprintf("%s was installed from %s", id, dirName), nil)
		w.logger.Info("new plugin installed from watch", "plugin_id", id, "dir", dirName)
		return
	}

	result, err := w.loader.Reload(w.ctx, HotReloadRequest{
		PluginID:     pluginID,
		ChangedFiles: files,
		Reason:       "file change",
	})
	switch {
	case err == nil && result.Reloaded:
		w.logger.Info("plugin hot reloaded", "plugin_id", pluginID, "changed_files", len(files))
	case err == nil:
		w.logger.Debug("hot reload skipped", "plugin_id", pluginID, "message", result.Message)
	case result != nil && result.RolledBack:
		w.logger.Warn("hot reload failed, previous instance still active", "plugin_id", pluginID, "error", err)
	default:
		w.logger.Error("hot reload failed without rollback", "plugin_id", pluginID, "error", err)
	}
}
