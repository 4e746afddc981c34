package pluginhost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlatformVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"24.04", 24},
		{"41 (Workstation Edition)", 41},
		{"9.2", 9},
		{"12", 12},
		{" 38 ", 38},
		{"rolling", 0},
		{"", 0},
		{"v5", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePlatformVersion(tt.in), "input %q", tt.in)
	}
}

func TestPlatformVersionOverride(t *testing.T) {
	probe := NewHostProbe(HostProbeOptions{PlatformVersionOverride: 38}, createTestLogger())
	assert.Equal(t, 38, probe.PlatformVersion(context.Background()))
}

func TestProbeSessionDesktopEnvs(t *testing.T) {
	t.Setenv("XDG_CURRENT_DESKTOP", "ubuntu:GNOME")
	probe := NewHostProbe(HostProbeOptions{}, createTestLogger())
	assert.Equal(t, []string{"ubuntu", "gnome"}, probe.DesktopEnvs())
}

func TestProbeSessionNoDesktop(t *testing.T) {
	t.Setenv("XDG_CURRENT_DESKTOP", "")
	probe := NewHostProbe(HostProbeOptions{}, createTestLogger())
	assert.Empty(t, probe.DesktopEnvs())
}

func TestProbeSessionDisplayServer(t *testing.T) {
	tests := []struct {
		name        string
		sessionType string
		wayland     string
		display     string
		want        DisplayServer
	}{
		{name: "session type wayland", sessionType: "wayland", want: DisplayServerWayland},
		{name: "session type x11", sessionType: "x11", want: DisplayServerX11},
		{name: "wayland display fallback", wayland: "wayland-0", want: DisplayServerWayland},
		{name: "x display fallback", display: ":0", want: DisplayServerX11},
		{name: "wayland display wins over x", wayland: "wayland-0", display: ":0", want: DisplayServerWayland},
		{name: "nothing set", want: DisplayServerAny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_SESSION_TYPE", tt.sessionType)
			t.Setenv("WAYLAND_DISPLAY", tt.wayland)
			t.Setenv("DISPLAY", tt.display)

			// Session probing runs once per probe, so each case needs a
			// fresh one.
			probe := NewHostProbe(HostProbeOptions{}, createTestLogger())
			assert.Equal(t, tt.want, probe.CurrentDisplayServer())
		})
	}
}

func TestPackageInstalledQuery(t *testing.T) {
	ctx := context.Background()

	// "true" and "false" stand in for a package manager that reports
	// everything present or everything absent.
	present := NewHostProbe(HostProbeOptions{PackageQueryCommands: []string{"true"}}, createTestLogger())
	assert.True(t, present.PackageInstalled(ctx, "curl"))

	absent := NewHostProbe(HostProbeOptions{PackageQueryCommands: []string{"false"}}, createTestLogger())
	assert.False(t, absent.PackageInstalled(ctx, "curl"))
}

func TestPackageInstalledFirstManagerIsAuthoritative(t *testing.T) {
	// The first manager that exists answers; a non-zero exit means the
	// package is absent rather than a cue to try the next manager.
	probe := NewHostProbe(HostProbeOptions{PackageQueryCommands: []string{"false", "true"}}, createTestLogger())
	assert.False(t, probe.PackageInstalled(context.Background(), "curl"))
}

func TestPackageInstalledNoManagerAvailable(t *testing.T) {
	probe := NewHostProbe(HostProbeOptions{
		PackageQueryCommands: []string{"skydeck-test-no-such-manager"},
	}, createTestLogger())
	assert.False(t, probe.PackageInstalled(context.Background(), "curl"))
}

func TestPackageInstalledCachesResults(t *testing.T) {
	probe := NewHostProbe(HostProbeOptions{PackageQueryCommands: []string{"true"}, PackageCacheSize: 8}, createTestLogger())

	assert.True(t, probe.PackageInstalled(context.Background(), "curl"))
	assert.True(t, probe.pkgCache.Contains("curl"))

	// Repeated checks are served from the cache.
	assert.True(t, probe.PackageInstalled(context.Background(), "curl"))
}
