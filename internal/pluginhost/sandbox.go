package pluginhost

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Sandbox is the isolation layer every plugin must be admitted through
// before it runs. A SandboxDeniedError means the plugin must not run;
// any other error is an infrastructure failure and also blocks the
// load. The host never bypasses a denial.
type Sandbox interface {
	EnforceIsolation(ctx context.Context, pluginID string, permissions []string) error
}

// PolicySandbox admits plugins based on a configured permission
// deny-list. It is the default Sandbox when no external isolation
// backend is wired in.
type PolicySandbox struct {
	enabled bool
	denied  map[string]bool
	logger  hclog.Logger
}

// NewPolicySandbox creates a policy-driven sandbox. When enabled is
// false every plugin is admitted, which is only appropriate for
// development setups.
func NewPolicySandbox(enabled bool, deniedPermissions []string, logger hclog.Logger) *PolicySandbox {
	denied := make(map[string]bool, len(deniedPermissions))
	for _, p := range deniedPermissions {
		denied[p] = true
	}
	return &PolicySandbox{
		enabled: enabled,
		denied:  denied,
		logger:  logger.Named("sandbox"),
	}
}

func (s *PolicySandbox) EnforceIsolation(ctx context.Context, pluginID string, permissions []string) error {
	if !s.enabled {
		s.logger.Warn("sandbox is disabled, admitting plugin without isolation", "plugin_id", pluginID)
		return nil
	}
	for _, perm := range permissions {
		if s.denied[perm] {
			return &SandboxDeniedError{
				PluginID: pluginID,
				Reason:   fmt.Sprintf("permission %q is not allowed by policy", perm),
			}
		}
	}
	s.logger.Debug("plugin admitted to sandbox", "plugin_id", pluginID, "permissions", permissions)
	return nil
}
