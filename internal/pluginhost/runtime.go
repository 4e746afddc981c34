package pluginhost

import (
	"context"
)

// Instance is a live plugin execution produced by a Runtime. Instances
// are not safe to use after Stop.
type Instance interface {
	// Info returns the metadata the plugin reports about itself. The
	// adapter reconciles it against the manifest before registration.
	Info() (PluginMetadata, error)

	Panels() ([]Panel, error)
	Commands() ([]Command, error)

	// Refresh asks the plugin to rebuild its panel data.
	Refresh() error

	// Stop tears the instance down and releases its resources. Stop is
	// idempotent.
	Stop() error

	// RuntimeName identifies the runtime that produced this instance.
	RuntimeName() string

	// Pid returns the plugin's process id, or 0 for in-process plugins.
	Pid() int
}

// Runtime starts plugin code for the entry points it understands.
type Runtime interface {
	Name() string

	// CanLoad reports whether this runtime handles the given manifest
	// entry point.
	CanLoad(entryPoint string) bool

	// Start launches the plugin rooted at dir and returns a live
	// instance. Implementations clean up after themselves on error.
	Start(ctx context.Context, manifest *Manifest, dir string) (Instance, error)
}

// SelectRuntime returns the first runtime that claims the entry point.
func SelectRuntime(runtimes []Runtime, entryPoint string) (Runtime, bool) {
	for _, rt := range runtimes {
		if rt.CanLoad(entryPoint) {
			return rt, true
		}
	}
	return nil, false
}
