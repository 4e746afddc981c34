package pluginhost

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// ConsentRequest carries what the user needs to see before approving a
// plugin: who published it and what it wants to do.
type ConsentRequest struct {
	PluginID    string
	Name        string
	Version     string
	Permissions []string
	Publisher   Publisher
}

// ConsentPrompt decides whether a freshly installed plugin may run. The
// loader only consults it for first installs; reloads and re-enables of
// an already consented plugin never prompt again.
type ConsentPrompt interface {
	RequestConsent(ctx context.Context, req ConsentRequest) (bool, error)
}

// PolicyConsent answers consent requests from configuration instead of
// an interactive prompt, which is how a headless service has to run.
type PolicyConsent struct {
	autoConsent     bool
	requireVerified bool
	allowed         map[string]bool
	logger          hclog.Logger
}

// NewPolicyConsent creates a policy-driven consent prompt. With
// autoConsent every plugin is approved, optionally restricted to
// verified publishers. Plugin ids in allowedIDs are always approved.
func NewPolicyConsent(autoConsent, requireVerified bool, allowedIDs []string, logger hclog.Logger) *PolicyConsent {
	allowed := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}
	return &PolicyConsent{
		autoConsent:     autoConsent,
		requireVerified: requireVerified,
		allowed:         allowed,
		logger:          logger.Named("consent"),
	}
}

func (c *PolicyConsent) RequestConsent(ctx context.Context, req ConsentRequest) (bool, error) {
	if c.allowed[req.PluginID] {
		c.logger.Info("plugin approved by allow-list", "plugin_id", req.PluginID)
		return true, nil
	}
	if !c.autoConsent {
		c.logger.Info("plugin requires consent and auto-consent is off",
			"plugin_id", req.PluginID,
			"permissions", req.Permissions,
			"publisher", req.Publisher.Author)
		return false, nil
	}
	if c.requireVerified && !req.Publisher.Verified {
		c.logger.Info("auto-consent refused for unverified publisher",
			"plugin_id", req.PluginID, "publisher", req.Publisher.Author)
		return false, nil
	}
	c.logger.Info("plugin auto-approved",
		"plugin_id", req.PluginID, "permissions", req.Permissions)
	return true, nil
}
