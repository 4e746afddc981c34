package pluginhost

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// CompatibilityGate decides whether a plugin may run on this host. The
// gate applies its rules in a fixed order and stops at the first
// blocking failure, so the reported reason is always the first rule the
// plugin violated.
type CompatibilityGate struct {
	probe  SystemProbe
	logger hclog.Logger
}

// NewCompatibilityGate creates a gate backed by the given probe.
func NewCompatibilityGate(probe SystemProbe, logger hclog.Logger) *CompatibilityGate {
	return &CompatibilityGate{
		probe:  probe,
		logger: logger.Named("compat"),
	}
}

// Evaluate checks spec against the host. Rule order: platform version,
// desktop environment allow-list, display server constraint, required
// packages. Missing packages never block; they surface as warnings on an
// otherwise compatible result.
func (g *CompatibilityGate) Evaluate(ctx context.Context, spec CompatSpec) CompatStatus {
	if spec.MinPlatformVersion > 0 {
		have := g.probe.PlatformVersion(ctx)
		if have == 0 {
			return CompatStatus{
				Reason: fmt.Sprintf("requires platform version >= %d but the host version could not be determined", spec.MinPlatformVersion),
			}
		}
		if have < spec.MinPlatformVersion {
			return CompatStatus{
				Reason: fmt.Sprintf("requires platform version >= %d, host is %d", spec.MinPlatformVersion, have),
			}
		}
	}

	// An empty allow-list means any desktop environment is acceptable.
	if len(spec.AllowedDesktopEnvs) > 0 {
		current := g.probe.DesktopEnvs()
		if !intersects(spec.AllowedDesktopEnvs, current) {
			return CompatStatus{
				Reason: fmt.Sprintf("requires one of desktop environments [%s], session reports [%s]",
					strings.Join(spec.AllowedDesktopEnvs, ", "), strings.Join(current, ", ")),
			}
		}
	}

	if spec.DisplayServer != DisplayServerAny {
		current := g.probe.CurrentDisplayServer()
		if current == DisplayServerAny {
			return CompatStatus{
				Reason: fmt.Sprintf("requires a %s session but the display server could not be determined", spec.DisplayServer),
			}
		}
		if current != spec.DisplayServer {
			return CompatStatus{
				Reason: fmt.Sprintf("requires a %s session, current session is %s", spec.DisplayServer, current),
			}
		}
	}

	status := CompatStatus{Compatible: true}
	for _, pkg := range spec.RequiresPackages {
		if !g.probe.PackageInstalled(ctx, pkg) {
			status.Warnings = append(status.Warnings, fmt.Sprintf("required package %q was not found", pkg))
		}
	}
	if len(status.Warnings) > 0 {
		g.logger.Debug("compatibility passed with warnings", "warnings", status.Warnings)
	}
	return status
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
