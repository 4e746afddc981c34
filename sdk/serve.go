package sdk

import (
	"os"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// ServeOptions tune how a plugin binary serves its provider.
type ServeOptions struct {
	// LogLevel for the plugin-side logger; host re-levels on its side.
	LogLevel string
}

// Serve starts the plugin side of the RPC connection. It blocks for the
// life of the plugin process and is the last call in a plugin's main.
func Serve(impl PanelProvider) {
	ServeWithOptions(impl, ServeOptions{})
}

// ServeWithOptions is Serve with explicit options.
func ServeWithOptions(impl PanelProvider, opts ServeOptions) {
	level := hclog.LevelFromString(opts.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: true,
	})

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			ProviderPluginName: &ProviderPlugin{Impl: impl},
		},
		Logger: logger,
	})
}
