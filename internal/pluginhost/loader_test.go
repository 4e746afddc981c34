package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydeck-app/skydeck/internal/database"
	"github.com/skydeck-app/skydeck/internal/events"
)

func skippedByDir(summary *LoadSummary, dir string) (SkippedPlugin, bool) {
	for _, s := range summary.Skipped {
		if s.Dir == dir {
			return s, true
		}
	}
	return SkippedPlugin{}, false
}

func TestLoadAllLoadsValidPlugins(t *testing.T) {
	f := newTestLoader(t)
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)
	writePluginDir(t, root, "sysmon", manifestCUE("sysmon", "system", 1), nil)

	// Neither a stray file nor a directory without a manifest counts as
	// a plugin.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("notes"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0755))

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"clock", "sysmon"}, summary.Loaded)
	assert.Empty(t, summary.Skipped)
	assert.Equal(t, 2, f.loader.Registry().Count())
	assert.Equal(t, 2, f.runtime.startCount())
	assert.Equal(t, StateRegistered, f.loader.State("clock"))
}

func TestLoadAllCreatesMissingPluginDir(t *testing.T) {
	f := newTestLoader(t)
	root := filepath.Join(t.TempDir(), "plugins")

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, summary.Loaded)
	assert.Empty(t, summary.Skipped)

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadAllSkipsFailuresWithoutAborting(t *testing.T) {
	f := newTestLoader(t)
	root := t.TempDir()
	writePluginDir(t, root, "good", manifestCUE("good", "utilities", 1), nil)
	writePluginDir(t, root, "broken", `#Plugin: { id: "broken`, nil)
	writePluginDir(t, root, "too-new", `#Plugin: {
	id:          "too-new"
	version:     "1.0.0"
	entry_point: "main.mock"
	compat: { min_platform_version: 99 }
}
`, nil)

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, summary.Loaded)
	require.Len(t, summary.Skipped, 2)

	skipped, ok := skippedByDir(summary, "broken")
	require.True(t, ok)
	assert.Equal(t, StageManifest, skipped.Stage)
	assert.Empty(t, skipped.PluginID)

	skipped, ok = skippedByDir(summary, "too-new")
	require.True(t, ok)
	assert.Equal(t, StageCompat, skipped.Stage)
	assert.Equal(t, "too-new", skipped.PluginID)
	assert.Contains(t, skipped.Reason, "incompatible")

	// The failures never reached a runtime.
	assert.Equal(t, 1, f.runtime.startCount())
	assert.Equal(t, StateFailed, f.loader.State("too-new"))
}

func TestLoadAllRejectsDuplicateID(t *testing.T) {
	f := newTestLoader(t)
	root := t.TempDir()

	// Directory names differ; the manifests claim the same id. The
	// first one wins, the second is reported, the batch continues.
	writePluginDir(t, root, "aaa", manifestCUE("dup", "utilities", 1), nil)
	writePluginDir(t, root, "bbb", manifestCUE("dup", "utilities", 2), nil)

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"dup"}, summary.Loaded)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, "bbb", summary.Skipped[0].Dir)
	assert.Equal(t, StageRegister, summary.Skipped[0].Stage)
	assert.Contains(t, summary.Skipped[0].Reason, "already registered")
	assert.Equal(t, 1, f.loader.Registry().Count())
}

func TestLoadAllParallelWorkers(t *testing.T) {
	f := newTestLoader(t, func(lo *LoaderOptions) { lo.Workers = 4 })
	root := t.TempDir()
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("plugin-%d", i)
		writePluginDir(t, root, id, manifestCUE(id, "stress", i), nil)
	}

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	assert.Len(t, summary.Loaded, 6)
	assert.Empty(t, summary.Skipped)
	assert.Equal(t, 6, f.loader.Registry().Count())
	assert.Equal(t, 6, f.runtime.startCount())
}

func TestLoadConsultsSandbox(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))
	f.sandbox.EnforceFunc = func(_ context.Context, pluginID string, _ []string) error {
		return &SandboxDeniedError{PluginID: pluginID, Reason: "permission \"system:execute\" is not allowed by policy"}
	}
	root := t.TempDir()
	writePluginDir(t, root, "rogue", manifestCUE("rogue", "tools", 1), nil)

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, StageSandbox, summary.Skipped[0].Stage)
	assert.Equal(t, 0, f.runtime.startCount())
	assert.Equal(t, 0, f.loader.Registry().Count())

	record, found, err := f.store.FindPlugin("rogue")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusError, record.Status)
	assert.Contains(t, record.ErrorMessage, "sandbox denied")
}

func TestLoadPromptsConsentOnFreshInstallOnly(t *testing.T) {
	db, err := database.OpenTestDB(t.TempDir())
	require.NoError(t, err)
	store := NewStore(db, createTestLogger())
	withStore := func(lo *LoaderOptions) { lo.Store = store }

	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)

	first := newTestLoader(t, withStore)
	_, err = first.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, first.consent.askCount())

	// A second host start over the same store sees the accepted grant
	// and admits the plugin silently.
	second := newTestLoader(t, withStore)
	summary, err := second.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"clock"}, summary.Loaded)
	assert.Equal(t, 0, second.consent.askCount())
}

func TestLoadConsentRejectedKeepsPluginOut(t *testing.T) {
	db, err := database.OpenTestDB(t.TempDir())
	require.NoError(t, err)
	store := NewStore(db, createTestLogger())
	withStore := func(lo *LoaderOptions) { lo.Store = store }

	root := t.TempDir()
	writePluginDir(t, root, "nosy", manifestCUE("nosy", "tools", 1), nil)

	f := newTestLoader(t, withStore)
	f.consent.ConsentFunc = func(context.Context, ConsentRequest) (bool, error) { return false, nil }

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, StageConsent, summary.Skipped[0].Stage)
	assert.Equal(t, 0, f.runtime.startCount())

	record, found, err := store.FindPlugin("nosy")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusDisabled, record.Status)

	// The rejection is persistent: the next start skips the plugin as
	// disabled without prompting again.
	second := newTestLoader(t, withStore)
	summary, err = second.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, StageDisabled, summary.Skipped[0].Stage)
	assert.Equal(t, 0, second.consent.askCount())
}

func TestLoadConsentPromptFailure(t *testing.T) {
	f := newTestLoader(t)
	f.consent.ConsentFunc = func(context.Context, ConsentRequest) (bool, error) {
		return false, errors.New("prompt channel closed")
	}
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, StageConsent, summary.Skipped[0].Stage)
	assert.Contains(t, summary.Skipped[0].Reason, "prompt channel closed")
}

func TestLoadConsentRequestCarriesManifestDetails(t *testing.T) {
	f := newTestLoader(t)
	root := t.TempDir()
	writePluginDir(t, root, "nosy", `#Plugin: {
	id:          "nosy"
	name:        "Nosy Plugin"
	version:     "3.2.1"
	entry_point: "main.mock"
	permissions: ["system:env", "filesystem:read"]
	publisher: { author: "Someone", verified: true }
}
`, nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	require.Equal(t, 1, f.consent.askCount())
	req := f.consent.asked[0]
	assert.Equal(t, "nosy", req.PluginID)
	assert.Equal(t, "Nosy Plugin", req.Name)
	assert.Equal(t, "3.2.1", req.Version)
	assert.Equal(t, []string{"system:env", "filesystem:read"}, req.Permissions)
	assert.Equal(t, "Someone", req.Publisher.Author)
	assert.True(t, req.Publisher.Verified)
}

func TestLoadNoRuntimeForEntryPoint(t *testing.T) {
	f := newTestLoader(t)
	f.runtime.CanLoadFunc = func(string) bool { return false }
	root := t.TempDir()
	writePluginDir(t, root, "orphan", manifestCUE("orphan", "tools", 1), nil)

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, StageStart, summary.Skipped[0].Stage)
	assert.Contains(t, summary.Skipped[0].Reason, "no runtime accepts")
}

func TestLoadRuntimeStartFailure(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))
	f.runtime.StartFunc = func(context.Context, *Manifest, string) (Instance, error) {
		return nil, errors.New("segfault on init")
	}
	root := t.TempDir()
	writePluginDir(t, root, "crashy", manifestCUE("crashy", "tools", 1), nil)

	summary, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, StageStart, summary.Skipped[0].Stage)

	record, found, err := f.store.FindPlugin("crashy")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusError, record.Status)
	assert.Contains(t, record.ErrorMessage, "segfault")
}

func TestDisableStopsAndPersists(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, 1, f.loader.Registry().Count())

	require.NoError(t, f.loader.Disable(context.Background(), "clock"))

	assert.Equal(t, 0, f.loader.Registry().Count())
	assert.True(t, f.runtime.instance(0).isStopped())
	assert.Equal(t, StateDisabled, f.loader.State("clock"))

	record, found, err := f.store.FindPlugin("clock")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusDisabled, record.Status)
}

func TestEnableReloadsDisabledPlugin(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, f.loader.Disable(context.Background(), "clock"))
	asked := f.consent.askCount()

	require.NoError(t, f.loader.Enable(context.Background(), "clock"))

	assert.Equal(t, 1, f.loader.Registry().Count())
	assert.Equal(t, StateRegistered, f.loader.State("clock"))
	assert.Equal(t, 2, f.runtime.startCount())

	// An explicit enable counts as consent; the user is not prompted a
	// second time.
	assert.Equal(t, asked, f.consent.askCount())

	record, found, err := f.store.FindPlugin("clock")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusEnabled, record.Status)
}

func TestEnableUnknownPlugin(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))

	err := f.loader.Enable(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	err = f.loader.Enable(context.Background(), "bad/id")
	assert.True(t, IsValidation(err))
}

func TestEnableAlreadyRunningIsNoOp(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, f.loader.Enable(context.Background(), "clock"))
	assert.Equal(t, 1, f.runtime.startCount())
}

func TestDisableUnknownPlugin(t *testing.T) {
	f := newTestLoader(t)

	err := f.loader.Disable(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	err = f.loader.Disable(context.Background(), "")
	assert.True(t, IsValidation(err))
}

func TestShutdownStopsAllPlugins(t *testing.T) {
	f := newTestLoader(t)
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)
	writePluginDir(t, root, "sysmon", manifestCUE("sysmon", "system", 1), nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, 2, f.loader.Registry().Count())

	f.loader.Shutdown(context.Background())

	assert.Equal(t, 0, f.loader.Registry().Count())
	assert.True(t, f.runtime.instance(0).isStopped())
	assert.True(t, f.runtime.instance(1).isStopped())
	assert.Equal(t, StateUnloaded, f.loader.State("clock"))
	assert.Equal(t, StateUnloaded, f.loader.State("sysmon"))
}

func TestLoaderStateTracking(t *testing.T) {
	f := newTestLoader(t)
	assert.Equal(t, StateUnloaded, f.loader.State("never-seen"))

	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)
	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	states := f.loader.States()
	assert.Equal(t, StateRegistered, states["clock"])
}

func TestLoadPublishesLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus(events.DefaultEventBusConfig(), createTestLogger(), nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	var mu sync.Mutex
	var received []events.Event
	_, err := bus.Subscribe(events.EventFilter{
		Types: []events.EventType{events.EventPluginLoaded, events.EventPluginLoadFailed},
	}, func(e events.Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	f := newTestLoader(t, func(lo *LoaderOptions) { lo.EventBus = bus })
	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)
	writePluginDir(t, root, "too-new", `#Plugin: {
	id:          "too-new"
	version:     "1.0.0"
	entry_point: "main.mock"
	compat: { min_platform_version: 99 }
}
`, nil)

	_, err = f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	byType := make(map[events.EventType]events.Event)
	for _, e := range received {
		byType[e.Type] = e
	}
	loaded := byType[events.EventPluginLoaded]
	assert.Equal(t, "plugin:clock", loaded.Source)
	failed := byType[events.EventPluginLoadFailed]
	assert.Equal(t, "plugin:too-new", failed.Source)
}

func TestLoadRecordsMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newTestLoader(t, func(lo *LoaderOptions) { lo.Metrics = metrics })

	root := t.TempDir()
	writePluginDir(t, root, "clock", manifestCUE("clock", "utilities", 1), nil)
	writePluginDir(t, root, "too-new", `#Plugin: {
	id:          "too-new"
	version:     "1.0.0"
	entry_point: "main.mock"
	compat: { min_platform_version: 99 }
}
`, nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PluginsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoadsTotal.WithLabelValues(ResultLoaded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoadsTotal.WithLabelValues(ResultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CompatRejectionsTotal))
}

func TestLoaderLifecycleOrdering(t *testing.T) {
	f := newTestLoader(t, withTestStore(t))
	root := t.TempDir()

	// Directory names pin discovery order; ids and categories are what
	// the ordering rules actually act on.
	writePluginDir(t, root, "01-first", manifestCUE("net-b", "network", 20), nil)
	writePluginDir(t, root, "02-second", manifestCUE("sys-a", "system", 1), nil)
	writePluginDir(t, root, "03-third", manifestCUE("net-a", "network", 10), nil)

	_, err := f.loader.LoadAll(context.Background(), root)
	require.NoError(t, err)

	// network was seen first, so all network plugins list before system
	// ones regardless of their display orders.
	assert.Equal(t, []string{"net-a", "net-b", "sys-a"}, listIDs(f.loader.Registry().ListAll()))
	assert.Equal(t, []string{"network", "system"}, f.loader.Registry().Categories())

	// A disable/enable cycle must not move the category.
	require.NoError(t, f.loader.Disable(context.Background(), "net-b"))
	assert.Equal(t, []string{"net-a", "sys-a"}, listIDs(f.loader.Registry().ListAll()))

	require.NoError(t, f.loader.Enable(context.Background(), "net-b"))
	assert.Equal(t, []string{"net-a", "net-b", "sys-a"}, listIDs(f.loader.Registry().ListAll()))
	assert.Equal(t, []string{"network", "system"}, f.loader.Registry().Categories())
}
