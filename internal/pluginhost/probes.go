package pluginhost

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/v4/host"
)

// SystemProbe answers the compatibility gate's questions about the host.
// Implementations cache probe results for their lifetime, so all plugins
// evaluated by one gate observe the same environment.
type SystemProbe interface {
	// PlatformVersion returns the host platform's major version, or 0
	// when it cannot be determined.
	PlatformVersion(ctx context.Context) int

	// DesktopEnvs returns the lowercase desktop environment names the
	// current session advertises.
	DesktopEnvs() []string

	// CurrentDisplayServer reports the session's display server family,
	// or DisplayServerAny when unknown.
	CurrentDisplayServer() DisplayServer

	// PackageInstalled reports whether a system package is present.
	PackageInstalled(ctx context.Context, name string) bool
}

const packageQueryTimeout = 2 * time.Second

// HostProbe probes the real host via gopsutil, XDG session variables,
// and the system package manager.
type HostProbe struct {
	logger hclog.Logger

	// versionOverride, when non-zero, short-circuits the host probe.
	versionOverride int

	// queryCommands are package-manager query templates; the package
	// name is appended as the final argument. Empty means autodetect.
	queryCommands []string

	versionOnce sync.Once
	version     int

	sessionOnce   sync.Once
	desktopEnvs   []string
	displayServer DisplayServer

	pkgCache *lru.Cache[string, bool]
}

// HostProbeOptions tunes a HostProbe.
type HostProbeOptions struct {
	PlatformVersionOverride int
	PackageQueryCommands    []string
	PackageCacheSize        int
}

// NewHostProbe creates a probe for the running system.
func NewHostProbe(opts HostProbeOptions, logger hclog.Logger) *HostProbe {
	size := opts.PackageCacheSize
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, bool](size)
	return &HostProbe{
		logger:          logger.Named("probe"),
		versionOverride: opts.PlatformVersionOverride,
		queryCommands:   opts.PackageQueryCommands,
		pkgCache:        cache,
	}
}

func (p *HostProbe) PlatformVersion(ctx context.Context) int {
	if p.versionOverride > 0 {
		return p.versionOverride
	}
	p.versionOnce.Do(func() {
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			p.logger.Warn("failed to probe host platform version", "error", err)
			return
		}
		p.version = parsePlatformVersion(info.PlatformVersion)
		p.logger.Debug("probed host platform",
			"platform", info.Platform,
			"platform_version", info.PlatformVersion,
			"major", p.version)
	})
	return p.version
}

func (p *HostProbe) DesktopEnvs() []string {
	p.probeSession()
	return p.desktopEnvs
}

func (p *HostProbe) CurrentDisplayServer() DisplayServer {
	p.probeSession()
	return p.displayServer
}

func (p *HostProbe) probeSession() {
	p.sessionOnce.Do(func() {
		// XDG_CURRENT_DESKTOP is colon-separated, e.g. "ubuntu:GNOME".
		for _, env := range strings.Split(os.Getenv("XDG_CURRENT_DESKTOP"), ":") {
			env = strings.ToLower(strings.TrimSpace(env))
			if env != "" {
				p.desktopEnvs = append(p.desktopEnvs, env)
			}
		}

		switch strings.ToLower(os.Getenv("XDG_SESSION_TYPE")) {
		case "wayland":
			p.displayServer = DisplayServerWayland
		case "x11":
			p.displayServer = DisplayServerX11
		default:
			if os.Getenv("WAYLAND_DISPLAY") != "" {
				p.displayServer = DisplayServerWayland
			} else if os.Getenv("DISPLAY") != "" {
				p.displayServer = DisplayServerX11
			}
		}

		p.logger.Debug("probed desktop session",
			"desktop_envs", p.desktopEnvs,
			"display_server", string(p.displayServer))
	})
}

func (p *HostProbe) PackageInstalled(ctx context.Context, name string) bool {
	if installed, ok := p.pkgCache.Get(name); ok {
		return installed
	}
	installed := p.queryPackage(ctx, name)
	p.pkgCache.Add(name, installed)
	return installed
}

func (p *HostProbe) queryPackage(ctx context.Context, name string) bool {
	for _, command := range p.queryCommandSet() {
		args := strings.Fields(command)
		if len(args) == 0 {
			continue
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			continue
		}

		queryCtx, cancel := context.WithTimeout(ctx, packageQueryTimeout)
		cmd := exec.CommandContext(queryCtx, args[0], append(args[1:], name)...)
		err := cmd.Run()
		cancel()
		if err == nil {
			return true
		}
		// The first available manager is authoritative; a non-zero exit
		// means the package is absent, not that we should try the next.
		return false
	}
	p.logger.Debug("no package manager available to query", "package", name)
	return false
}

func (p *HostProbe) queryCommandSet() []string {
	if len(p.queryCommands) > 0 {
		return p.queryCommands
	}
	return []string{
		"dpkg-query -W",
		"rpm -q",
		"pacman -Qi",
	}
}

// parsePlatformVersion extracts the leading major version from strings
// like "24.04" or "41 (Workstation Edition)". Unparseable values map to
// 0, which the gate treats as unknown.
func parsePlatformVersion(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	found := false
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		found = true
	}
	if !found {
		return 0
	}
	return n
}
