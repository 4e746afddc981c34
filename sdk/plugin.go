// Package sdk defines the wire contract between the Skydeck host and
// subprocess panel plugins. Plugin binaries implement PanelProvider and
// hand it to Serve; the host dispenses the same interface from the other
// end of the connection.
package sdk

import (
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake guards the host against launching binaries that are not
// Skydeck plugins. Host and plugin must agree on it exactly.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SKYDECK_PLUGIN",
	MagicCookieValue: "skydeck_panel_plugin_v1",
}

// ProviderPluginName is the dispense key for the panel provider interface.
const ProviderPluginName = "panel_provider"

// PluginInfo describes the plugin to the host.
type PluginInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Icon        string `json:"icon"`
	Badge       string `json:"badge"`
	Order       int    `json:"order"`
}

// Panel is one dashboard panel contributed by a plugin.
type Panel struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Kind    string            `json:"kind"` // gauge, list, text, chart
	Order   int               `json:"order"`
	Content map[string]string `json:"content,omitempty"`
}

// Command is an invokable action contributed by a plugin.
type Command struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// PanelProvider is the interface a subprocess plugin implements.
type PanelProvider interface {
	Info() (PluginInfo, error)
	Panels() ([]Panel, error)
	Commands() ([]Command, error)
	Refresh() error
}

// ProviderPlugin is the go-plugin wrapper around PanelProvider.
type ProviderPlugin struct {
	Impl PanelProvider
}

// Server returns the plugin-side RPC server.
func (p *ProviderPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &providerRPCServer{impl: p.Impl}, nil
}

// Client returns the host-side RPC stub.
func (p *ProviderPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ProviderRPCClient{client: c}, nil
}

// providerRPCServer runs inside the plugin process.
type providerRPCServer struct {
	impl PanelProvider
}

func (s *providerRPCServer) Info(args interface{}, resp *PluginInfo) error {
	info, err := s.impl.Info()
	if err != nil {
		return err
	}
	*resp = info
	return nil
}

func (s *providerRPCServer) Panels(args interface{}, resp *[]Panel) error {
	panels, err := s.impl.Panels()
	if err != nil {
		return err
	}
	*resp = panels
	return nil
}

func (s *providerRPCServer) Commands(args interface{}, resp *[]Command) error {
	commands, err := s.impl.Commands()
	if err != nil {
		return err
	}
	*resp = commands
	return nil
}

func (s *providerRPCServer) Refresh(args interface{}, resp *struct{}) error {
	return s.impl.Refresh()
}

// ProviderRPCClient is the host-side stub for a subprocess provider.
type ProviderRPCClient struct {
	client *rpc.Client
}

func (c *ProviderRPCClient) Info() (PluginInfo, error) {
	var resp PluginInfo
	err := c.client.Call("Plugin.Info", new(interface{}), &resp)
	return resp, err
}

func (c *ProviderRPCClient) Panels() ([]Panel, error) {
	var resp []Panel
	err := c.client.Call("Plugin.Panels", new(interface{}), &resp)
	return resp, err
}

func (c *ProviderRPCClient) Commands() ([]Command, error) {
	var resp []Command
	err := c.client.Call("Plugin.Commands", new(interface{}), &resp)
	return resp, err
}

func (c *ProviderRPCClient) Refresh() error {
	var resp struct{}
	return c.client.Call("Plugin.Refresh", new(interface{}), &resp)
}
