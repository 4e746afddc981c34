package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/skydeck-app/skydeck/internal/events"
)

// LoaderOptions wires the loader's collaborators. Parser, Gate, Scanner,
// Sandbox, Consent, Adapter, Registry, and at least one Runtime are
// required; Store, EventBus, and Metrics are optional. Workers bounds the
// startup load pool; values below 1 mean sequential.
type LoaderOptions struct {
	Parser   *ManifestParser
	Gate     *CompatibilityGate
	Scanner  *FingerprintScanner
	Sandbox  Sandbox
	Consent  ConsentPrompt
	Adapter  *Adapter
	Registry *Registry
	Runtimes []Runtime
	Store    *Store
	EventBus events.EventBus
	Metrics  *Metrics
	Workers  int
	Logger   hclog.Logger
}

// Loader drives the plugin lifecycle: batch discovery at startup,
// consent and sandbox admission, registration, enable/disable, and hot
// reload with rollback.
type Loader struct {
	parser   *ManifestParser
	gate     *CompatibilityGate
	scanner  *FingerprintScanner
	sandbox  Sandbox
	consent  ConsentPrompt
	adapter  *Adapter
	registry *Registry
	runtimes []Runtime
	store    *Store
	bus      events.EventBus
	metrics  *Metrics
	workers  int
	logger   hclog.Logger

	// locks serializes operations per plugin id. Operations on
	// different ids proceed concurrently.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	statesMu sync.RWMutex
	states   map[string]LoadState
}

// NewLoader creates a loader from its collaborators.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{
		parser:   opts.Parser,
		gate:     opts.Gate,
		scanner:  opts.Scanner,
		sandbox:  opts.Sandbox,
		consent:  opts.Consent,
		adapter:  opts.Adapter,
		registry: opts.Registry,
		runtimes: opts.Runtimes,
		store:    opts.Store,
		bus:      opts.EventBus,
		metrics:  opts.Metrics,
		workers:  opts.Workers,
		logger:   opts.Logger.Named("loader"),
		locks:    make(map[string]*sync.Mutex),
		states:   make(map[string]LoadState),
	}
}

// Registry returns the live plugin registry.
func (l *Loader) Registry() *Registry {
	return l.registry
}

// LoadAll discovers and loads every plugin under pluginDir. Directories
// are distributed across a small worker pool; individual failures are
// collected into the summary and never abort the batch.
func (l *Loader) LoadAll(ctx context.Context, pluginDir string) (*LoadSummary, error) {
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugin directory %s: %w", pluginDir, err)
	}

	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", pluginDir, err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(pluginDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			// Not a plugin directory.
			continue
		}
		dirs = append(dirs, dir)
	}

	workerCount := l.workers
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > len(dirs) {
		workerCount = len(dirs)
	}

	summary := &LoadSummary{}
	var summaryMu sync.Mutex

	dirQueue := make(chan string, len(dirs))
	for _, dir := range dirs {
		dirQueue <- dir
	}
	close(dirQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range dirQueue {
				pluginID, stage, err := l.loadDir(ctx, dir, false)
				summaryMu.Lock()
				if err != nil {
					l.logger.Warn("plugin skipped",
						"dir", filepath.Base(dir), "plugin_id", pluginID, "stage", stage, "error", err)
					summary.Skipped = append(summary.Skipped, SkippedPlugin{
						Dir:      filepath.Base(dir),
						PluginID: pluginID,
						Stage:    stage,
						Reason:   err.Error(),
					})
				} else {
					summary.Loaded = append(summary.Loaded, pluginID)
				}
				summaryMu.Unlock()
			}
		}()
	}
	wg.Wait()

	l.logger.Info("plugin load complete",
		"loaded", len(summary.Loaded), "skipped", len(summary.Skipped), "workers", workerCount)
	return summary, nil
}

// loadDir runs the full admission pipeline for one plugin directory.
// force bypasses the administratively-disabled check, which is what an
// explicit enable needs. On failure it reports the pipeline stage that
// rejected the plugin.
func (l *Loader) loadDir(ctx context.Context, dir string, force bool) (string, string, error) {
	manifest, err := l.parser.ParseDir(dir)
	if err != nil {
		l.countLoad(ResultFailed)
		return "", StageManifest, err
	}
	pluginID := manifest.ID
	l.setState(pluginID, StateValidated)

	lock := l.pluginLock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	if _, registered := l.registry.Get(pluginID); registered {
		l.countLoad(ResultFailed)
		return pluginID, StageRegister, &DuplicateIDError{ID: pluginID}
	}

	if !force {
		if record, found := l.findRecord(pluginID); found && record.Status == StatusDisabled {
			l.setState(pluginID, StateDisabled)
			l.countLoad(ResultFailed)
			return pluginID, StageDisabled, ErrPluginDisabled
		}
	}

	status := l.gate.Evaluate(ctx, manifest.Compat)
	if !status.Compatible {
		l.setState(pluginID, StateFailed)
		l.countLoad(ResultRejected)
		if l.metrics != nil {
			l.metrics.CompatRejectionsTotal.Inc()
		}
		l.upsertRecord(manifest, dir, "", StatusIncompatible)
		l.publish(events.EventPluginLoadFailed, pluginID, "Plugin incompatible", status.Reason,
			map[string]interface{}{"stage": StageCompat})
		return pluginID, StageCompat, fmt.Errorf("incompatible: %s", status.Reason)
	}
	for _, warning := range status.Warnings {
		l.logger.Warn("compatibility warning", "plugin_id", pluginID, "warning", warning)
	}
	l.setState(pluginID, StateCompatOK)

	if err := l.ensureConsent(ctx, manifest); err != nil {
		l.setState(pluginID, StateDisabled)
		l.countLoad(ResultRejected)
		l.upsertRecord(manifest, dir, "", StatusDisabled)
		l.publish(events.EventPluginConsentRejected, pluginID, "Plugin consent rejected",
			fmt.Sprintf("user declined permissions for %s", pluginID), nil)
		return pluginID, StageConsent, err
	}

	if err := l.sandbox.EnforceIsolation(ctx, pluginID, manifest.Permissions); err != nil {
		l.setState(pluginID, StateFailed)
		l.countLoad(ResultFailed)
		l.upsertRecord(manifest, dir, "", StatusError)
		l.setRecordError(pluginID, err.Error())
		l.publish(events.EventPluginLoadFailed, pluginID, "Plugin denied by sandbox", err.Error(),
			map[string]interface{}{"stage": StageSandbox})
		return pluginID, StageSandbox, err
	}
	l.setState(pluginID, StateSandboxed)

	fingerprint, err := l.scanner.ScanDir(dir)
	if err != nil {
		l.setState(pluginID, StateFailed)
		l.countLoad(ResultFailed)
		return pluginID, StageFingerprint, err
	}

	adapted, stage, err := l.startAndAdapt(ctx, manifest, dir)
	if err != nil {
		l.setState(pluginID, StateFailed)
		l.countLoad(ResultFailed)
		l.upsertRecord(manifest, dir, fingerprint, StatusError)
		l.setRecordError(pluginID, err.Error())
		l.publish(events.EventPluginLoadFailed, pluginID, "Plugin failed to start", err.Error(),
			map[string]interface{}{"stage": stage})
		return pluginID, stage, err
	}

	if err := l.registry.Register(adapted, dir, fingerprint); err != nil {
		adapted.Stop()
		l.setState(pluginID, StateFailed)
		l.countLoad(ResultFailed)
		return pluginID, StageRegister, err
	}

	l.setState(pluginID, StateRegistered)
	l.countLoad(ResultLoaded)
	l.gaugeActive()
	l.upsertRecord(manifest, dir, fingerprint, StatusEnabled)
	l.publish(events.EventPluginLoaded, pluginID, "Plugin loaded",
		fmt.Sprintf("%s %s is active", manifest.Name, manifest.Version),
		map[string]interface{}{"runtime": adapted.RuntimeName(), "category": manifest.Category})

	l.logger.Info("plugin loaded",
		"plugin_id", pluginID,
		"version", manifest.Version,
		"runtime", adapted.RuntimeName(),
		"warnings", len(status.Warnings))
	return pluginID, "", nil
}

// startAndAdapt picks a runtime, starts the instance, and wraps it for
// registration.
func (l *Loader) startAndAdapt(ctx context.Context, manifest *Manifest, dir string) (*AdaptedPlugin, string, error) {
	runtime, ok := SelectRuntime(l.runtimes, manifest.EntryPoint)
	if !ok {
		return nil, StageStart, fmt.Errorf("no runtime accepts entry point %q", manifest.EntryPoint)
	}

	instance, err := runtime.Start(ctx, manifest, dir)
	if err != nil {
		return nil, StageStart, err
	}

	return l.adapter.Adapt(instance, manifest), "", nil
}

// ensureConsent prompts for a freshly installed plugin and records the
// decision. Plugins with a previously accepted grant are admitted
// silently, so reloads and re-enables never prompt again.
func (l *Loader) ensureConsent(ctx context.Context, manifest *Manifest) error {
	if l.store != nil {
		granted, err := l.store.HasAcceptedConsent(manifest.ID)
		if err != nil {
			return fmt.Errorf("failed to check consent grant: %w", err)
		}
		if granted {
			return nil
		}
	}

	accepted, err := l.consent.RequestConsent(ctx, ConsentRequest{
		PluginID:    manifest.ID,
		Name:        manifest.Name,
		Version:     manifest.Version,
		Permissions: manifest.Permissions,
		Publisher:   manifest.Publisher,
	})
	if err != nil {
		return fmt.Errorf("consent prompt failed: %w", err)
	}

	if l.store != nil {
		if err := l.store.RecordConsent(manifest.ID, manifest.Permissions, accepted); err != nil {
			l.logger.Warn("failed to record consent decision", "plugin_id", manifest.ID, "error", err)
		}
	}
	if !accepted {
		return ErrConsentRejected
	}
	return nil
}

// Enable loads a known plugin that is currently disabled. An explicit
// enable counts as consent, so the user is not prompted again.
func (l *Loader) Enable(ctx context.Context, pluginID string) error {
	if err := ValidatePluginID(pluginID); err != nil {
		return err
	}
	if _, registered := l.registry.Get(pluginID); registered {
		return nil
	}

	record, found := l.findRecord(pluginID)
	if !found {
		return ErrPluginNotFound
	}

	if l.store != nil {
		var permissions []string
		if manifest, err := l.parser.ParseDir(record.InstallPath); err == nil {
			permissions = manifest.Permissions
		}
		if err := l.store.RecordConsent(pluginID, permissions, true); err != nil {
			l.logger.Warn("failed to record consent on enable", "plugin_id", pluginID, "error", err)
		}
	}

	_, stage, err := l.loadDir(ctx, record.InstallPath, true)
	if err != nil {
		return fmt.Errorf("enable failed at %s stage: %w", stage, err)
	}
	l.publish(events.EventPluginEnabled, pluginID, "Plugin enabled", pluginID+" was enabled", nil)
	return nil
}

// Disable stops a running plugin and marks it disabled so startup skips
// it until it is enabled again. Disabling an unknown id is an error;
// disabling a known but stopped plugin only updates its status.
func (l *Loader) Disable(ctx context.Context, pluginID string) error {
	if err := ValidatePluginID(pluginID); err != nil {
		return err
	}

	lock := l.pluginLock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	plugin, registered := l.registry.Get(pluginID)
	_, known := l.findRecord(pluginID)
	if !registered && !known {
		return ErrPluginNotFound
	}

	if registered {
		l.registry.Unregister(pluginID)
		stopPlugin(plugin, l.logger)
		l.gaugeActive()
	}

	l.setState(pluginID, StateDisabled)
	l.setStatus(pluginID, StatusDisabled, "")
	l.publish(events.EventPluginDisabled, pluginID, "Plugin disabled", pluginID+" was disabled", nil)
	l.logger.Info("plugin disabled", "plugin_id", pluginID)
	return nil
}

// State reports the lifecycle state for a plugin id.
func (l *Loader) State(pluginID string) LoadState {
	l.statesMu.RLock()
	defer l.statesMu.RUnlock()

	if state, ok := l.states[pluginID]; ok {
		return state
	}
	return StateUnloaded
}

// States returns a snapshot of all tracked lifecycle states.
func (l *Loader) States() map[string]LoadState {
	l.statesMu.RLock()
	defer l.statesMu.RUnlock()

	snapshot := make(map[string]LoadState, len(l.states))
	for id, state := range l.states {
		snapshot[id] = state
	}
	return snapshot
}

// Shutdown stops every registered plugin. The registry is left empty.
func (l *Loader) Shutdown(ctx context.Context) {
	for _, plugin := range l.registry.ListAll() {
		meta := plugin.Metadata()
		l.registry.Unregister(meta.ID)
		stopPlugin(plugin, l.logger)
		l.setState(meta.ID, StateUnloaded)
		l.publish(events.EventPluginUnloaded, meta.ID, "Plugin unloaded", meta.ID+" was stopped", nil)
	}
	l.gaugeActive()
	l.logger.Info("all plugins stopped")
}

func (l *Loader) pluginLock(pluginID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()

	lock, ok := l.locks[pluginID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[pluginID] = lock
	}
	return lock
}

func (l *Loader) setState(pluginID string, state LoadState) {
	l.statesMu.Lock()
	defer l.statesMu.Unlock()
	l.states[pluginID] = state
}

func (l *Loader) findRecord(pluginID string) (*recordView, bool) {
	if l.store == nil {
		return nil, false
	}
	record, found, err := l.store.FindPlugin(pluginID)
	if err != nil {
		l.logger.Warn("failed to look up plugin record", "plugin_id", pluginID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &recordView{Status: record.Status, InstallPath: record.InstallPath}, true
}

// recordView is the slice of the persistent record the loader acts on.
type recordView struct {
	Status      string
	InstallPath string
}

func (l *Loader) upsertRecord(manifest *Manifest, dir, fingerprint, status string) {
	if l.store == nil {
		return
	}
	runtimeName := "process"
	if rt, ok := SelectRuntime(l.runtimes, manifest.EntryPoint); ok {
		runtimeName = rt.Name()
	}
	if err := l.store.UpsertPlugin(manifest, dir, fingerprint, runtimeName, status); err != nil {
		l.logger.Warn("failed to persist plugin record", "plugin_id", manifest.ID, "error", err)
	}
}

func (l *Loader) setStatus(pluginID, status, errorMessage string) {
	if l.store == nil {
		return
	}
	if err := l.store.SetStatus(pluginID, status, errorMessage); err != nil {
		l.logger.Warn("failed to update plugin status", "plugin_id", pluginID, "error", err)
	}
}

func (l *Loader) setRecordError(pluginID, message string) {
	l.setStatus(pluginID, StatusError, message)
}

func (l *Loader) publish(eventType events.EventType, pluginID, title, message string, data map[string]interface{}) {
	if l.bus == nil {
		return
	}
	if err := l.bus.PublishAsync(events.Event{
		Type:    eventType,
		Source:  "plugin:" + pluginID,
		Title:   title,
		Message: message,
		Data:    data,
	}); err != nil {
		l.logger.Debug("failed to publish event", "type", string(eventType), "error", err)
	}
}

func (l *Loader) countLoad(result string) {
	if l.metrics != nil {
		l.metrics.LoadsTotal.WithLabelValues(result).Inc()
	}
}

func (l *Loader) countReload(result string) {
	if l.metrics != nil {
		l.metrics.ReloadsTotal.WithLabelValues(result).Inc()
	}
}

func (l *Loader) gaugeActive() {
	if l.metrics != nil {
		l.metrics.PluginsActive.Set(float64(l.registry.Count()))
	}
}

// stopPlugin tears down a plugin's instance when the wrapper exposes
// one. Raw fakes in tests may not.
func stopPlugin(plugin Plugin, logger hclog.Logger) {
	stopper, ok := plugin.(interface{ Stop() error })
	if !ok {
		return
	}
	if err := stopper.Stop(); err != nil {
		logger.Warn("failed to stop plugin instance", "plugin_id", plugin.Metadata().ID, "error", err)
	}
}
