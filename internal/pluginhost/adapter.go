package pluginhost

import (
	"github.com/hashicorp/go-hclog"
)

// Adapter wraps raw runtime instances into the host Plugin contract. It
// reconciles the metadata a plugin reports about itself with the
// manifest, which is authoritative for identity.
type Adapter struct {
	logger hclog.Logger
}

// NewAdapter creates an adapter.
func NewAdapter(logger hclog.Logger) *Adapter {
	return &Adapter{logger: logger.Named("adapter")}
}

// Adapt produces a registerable plugin from a live instance. Metadata is
// resolved once at adapt time: the manifest id always wins, and manifest
// fields fill anything the instance leaves blank.
func (a *Adapter) Adapt(inst Instance, manifest *Manifest) *AdaptedPlugin {
	reported, err := inst.Info()
	if err != nil {
		a.logger.Warn("plugin did not report metadata, using manifest only",
			"plugin_id", manifest.ID, "error", err)
		reported = PluginMetadata{}
	}
	if reported.ID != "" && reported.ID != manifest.ID {
		a.logger.Warn("plugin reported a different id than its manifest",
			"manifest_id", manifest.ID, "reported_id", reported.ID)
	}

	meta := PluginMetadata{
		ID:          manifest.ID,
		Name:        firstNonEmpty(reported.Name, manifest.Name),
		Description: firstNonEmpty(reported.Description, manifest.Description),
		Category:    firstNonEmpty(reported.Category, manifest.Category),
		Icon:        firstNonEmpty(reported.Icon, manifest.Icon),
		Badge:       firstNonEmpty(reported.Badge, manifest.Badge),
		Order:       manifest.Order,
	}
	if reported.Order != 0 {
		meta.Order = reported.Order
	}

	return &AdaptedPlugin{meta: meta, instance: inst}
}

// AdaptedPlugin is the registry-facing wrapper around a runtime
// instance. Its metadata is fixed at adapt time, so identity cannot
// drift while registered.
type AdaptedPlugin struct {
	meta     PluginMetadata
	instance Instance
}

func (p *AdaptedPlugin) Metadata() PluginMetadata {
	return p.meta
}

func (p *AdaptedPlugin) Panels() ([]Panel, error) {
	return p.instance.Panels()
}

func (p *AdaptedPlugin) Commands() ([]Command, error) {
	return p.instance.Commands()
}

// Refresh asks the underlying instance to rebuild its panel data.
func (p *AdaptedPlugin) Refresh() error {
	return p.instance.Refresh()
}

// Stop tears down the underlying instance.
func (p *AdaptedPlugin) Stop() error {
	return p.instance.Stop()
}

// RuntimeName identifies the runtime hosting this plugin.
func (p *AdaptedPlugin) RuntimeName() string {
	return p.instance.RuntimeName()
}

// Pid returns the hosting process id, or 0 for in-process plugins.
func (p *AdaptedPlugin) Pid() int {
	return p.instance.Pid()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
