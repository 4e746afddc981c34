package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/skydeck-app/skydeck/internal/database"
)

// createTestLogger returns a quiet logger for tests.
func createTestLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Level: hclog.Error})
}

// writePluginDir creates a plugin directory under root containing the
// given manifest plus any extra files.
func writePluginDir(t *testing.T, root, dirName, manifest string, files map[string]string) string {
	t.Helper()

	dir := filepath.Join(root, dirName)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0644))
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

// manifestCUE renders a minimal valid manifest for tests.
func manifestCUE(id, category string, order int) string {
	return fmt.Sprintf(`#Plugin: {
	id:          %q
	name:        %q
	version:     "1.0.0"
	category:    %q
	order:       %d
	entry_point: "main.mock"
}
`, id, id, category, order)
}

// fakePlugin is a bare Plugin for registry-level tests. MetadataFunc,
// when set, overrides the static metadata.
type fakePlugin struct {
	meta         PluginMetadata
	MetadataFunc func() PluginMetadata
}

func (f *fakePlugin) Metadata() PluginMetadata {
	if f.MetadataFunc != nil {
		return f.MetadataFunc()
	}
	return f.meta
}

func (f *fakePlugin) Panels() ([]Panel, error)     { return nil, nil }
func (f *fakePlugin) Commands() ([]Command, error) { return nil, nil }

// mockProbe implements SystemProbe with injectable responses. The zero
// value describes a healthy GNOME Wayland host on platform version 42.
type mockProbe struct {
	PlatformVersionFunc func(ctx context.Context) int
	DesktopEnvsFunc     func() []string
	DisplayServerFunc   func() DisplayServer
	PackageFunc         func(ctx context.Context, name string) bool
}

func (m *mockProbe) PlatformVersion(ctx context.Context) int {
	if m.PlatformVersionFunc != nil {
		return m.PlatformVersionFunc(ctx)
	}
	return 42
}

func (m *mockProbe) DesktopEnvs() []string {
	if m.DesktopEnvsFunc != nil {
		return m.DesktopEnvsFunc()
	}
	return []string{"gnome"}
}

func (m *mockProbe) CurrentDisplayServer() DisplayServer {
	if m.DisplayServerFunc != nil {
		return m.DisplayServerFunc()
	}
	return DisplayServerWayland
}

func (m *mockProbe) PackageInstalled(ctx context.Context, name string) bool {
	if m.PackageFunc != nil {
		return m.PackageFunc(ctx, name)
	}
	return true
}

// mockInstance is a controllable runtime instance.
type mockInstance struct {
	meta         PluginMetadata
	InfoFunc     func() (PluginMetadata, error)
	PanelsFunc   func() ([]Panel, error)
	CommandsFunc func() ([]Command, error)
	RefreshFunc  func() error

	mu      sync.Mutex
	stopped bool
}

func (m *mockInstance) Info() (PluginMetadata, error) {
	if m.InfoFunc != nil {
		return m.InfoFunc()
	}
	return m.meta, nil
}

func (m *mockInstance) Panels() ([]Panel, error) {
	if m.PanelsFunc != nil {
		return m.PanelsFunc()
	}
	return []Panel{{ID: m.meta.ID + "-panel", Title: m.meta.Name, Kind: "text"}}, nil
}

func (m *mockInstance) Commands() ([]Command, error) {
	if m.CommandsFunc != nil {
		return m.CommandsFunc()
	}
	return nil, nil
}

func (m *mockInstance) Refresh() error {
	if m.RefreshFunc != nil {
		return m.RefreshFunc()
	}
	return nil
}

func (m *mockInstance) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockInstance) RuntimeName() string { return "mock" }
func (m *mockInstance) Pid() int            { return 0 }

func (m *mockInstance) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// mockRuntime claims every entry point by default and remembers the
// instances it started.
type mockRuntime struct {
	CanLoadFunc func(entryPoint string) bool
	StartFunc   func(ctx context.Context, manifest *Manifest, dir string) (Instance, error)

	mu      sync.Mutex
	started []*mockInstance
}

func (m *mockRuntime) Name() string { return "mock" }

func (m *mockRuntime) CanLoad(entryPoint string) bool {
	if m.CanLoadFunc != nil {
		return m.CanLoadFunc(entryPoint)
	}
	return true
}

func (m *mockRuntime) Start(ctx context.Context, manifest *Manifest, dir string) (Instance, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, manifest, dir)
	}
	inst := &mockInstance{meta: PluginMetadata{
		ID:       manifest.ID,
		Name:     manifest.Name,
		Category: manifest.Category,
		Order:    manifest.Order,
	}}
	m.mu.Lock()
	m.started = append(m.started, inst)
	m.mu.Unlock()
	return inst, nil
}

func (m *mockRuntime) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

func (m *mockRuntime) instance(i int) *mockInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started[i]
}

// mockSandbox admits everything unless EnforceFunc says otherwise.
type mockSandbox struct {
	EnforceFunc func(ctx context.Context, pluginID string, permissions []string) error
}

func (m *mockSandbox) EnforceIsolation(ctx context.Context, pluginID string, permissions []string) error {
	if m.EnforceFunc != nil {
		return m.EnforceFunc(ctx, pluginID, permissions)
	}
	return nil
}

// mockConsent approves everything by default and counts how often it
// was asked.
type mockConsent struct {
	ConsentFunc func(ctx context.Context, req ConsentRequest) (bool, error)

	mu    sync.Mutex
	asked []ConsentRequest
}

func (m *mockConsent) RequestConsent(ctx context.Context, req ConsentRequest) (bool, error) {
	m.mu.Lock()
	m.asked = append(m.asked, req)
	m.mu.Unlock()
	if m.ConsentFunc != nil {
		return m.ConsentFunc(ctx, req)
	}
	return true, nil
}

func (m *mockConsent) askCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.asked)
}

// loaderFixture bundles a loader with the mocks behind it.
type loaderFixture struct {
	loader  *Loader
	runtime *mockRuntime
	sandbox *mockSandbox
	consent *mockConsent
	probe   *mockProbe
	store   *Store
	metrics *Metrics
}

// newTestLoader builds a loader over mock collaborators. Options mutate
// the LoaderOptions before construction, typically to attach a store,
// metrics, or an event bus.
func newTestLoader(t *testing.T, opts ...func(*LoaderOptions)) *loaderFixture {
	t.Helper()

	logger := createTestLogger()
	f := &loaderFixture{
		runtime: &mockRuntime{},
		sandbox: &mockSandbox{},
		consent: &mockConsent{},
		probe:   &mockProbe{},
	}

	lo := LoaderOptions{
		Parser:   NewManifestParser(),
		Gate:     NewCompatibilityGate(f.probe, logger),
		Scanner:  NewFingerprintScanner([]string{"*.log", ".git"}),
		Sandbox:  f.sandbox,
		Consent:  f.consent,
		Adapter:  NewAdapter(logger),
		Registry: NewRegistry(logger),
		Runtimes: []Runtime{f.runtime},
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&lo)
	}

	f.loader = NewLoader(lo)
	f.store = lo.Store
	f.metrics = lo.Metrics
	return f
}

// withTestStore attaches a sqlite-backed store to the loader under test.
func withTestStore(t *testing.T) func(*LoaderOptions) {
	t.Helper()
	return func(lo *LoaderOptions) {
		db, err := database.OpenTestDB(t.TempDir())
		require.NoError(t, err)
		lo.Store = NewStore(db, createTestLogger())
	}
}
