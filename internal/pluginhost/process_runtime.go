package pluginhost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/skydeck-app/skydeck/sdk"
)

// ProcessRuntime hosts plugin binaries as isolated subprocesses speaking
// the go-plugin protocol. It is the fallback runtime for every entry
// point no other runtime claims.
type ProcessRuntime struct {
	startTimeout time.Duration
	logger       hclog.Logger
}

// NewProcessRuntime creates the subprocess runtime.
func NewProcessRuntime(startTimeout time.Duration, logger hclog.Logger) *ProcessRuntime {
	return &ProcessRuntime{
		startTimeout: startTimeout,
		logger:       logger.Named("process"),
	}
}

func (r *ProcessRuntime) Name() string { return "process" }

func (r *ProcessRuntime) CanLoad(entryPoint string) bool {
	return entryPoint != ""
}

func (r *ProcessRuntime) Start(ctx context.Context, manifest *Manifest, dir string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binaryPath := filepath.Join(dir, manifest.EntryPoint)
	info, err := os.Stat(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("entry point %s is not readable: %w", manifest.EntryPoint, err)
	}
	if info.Mode()&0111 == 0 {
		return nil, fmt.Errorf("entry point %s is not executable", manifest.EntryPoint)
	}

	cmd := exec.Command(binaryPath)
	cmd.Dir = dir

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: sdk.Handshake,
		Plugins: map[string]goplugin.Plugin{
			sdk.ProviderPluginName: &sdk.ProviderPlugin{},
		},
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     r.startTimeout,
		Logger:           r.logger.Named(manifest.ID),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start plugin process: %w", err)
	}

	raw, err := rpcClient.Dispense(sdk.ProviderPluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense panel provider: %w", err)
	}

	provider, ok := raw.(sdk.PanelProvider)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin does not implement the panel provider interface")
	}

	pid := 0
	if rc := client.ReattachConfig(); rc != nil {
		pid = rc.Pid
	}

	r.logger.Debug("plugin process started", "plugin_id", manifest.ID, "pid", pid)
	return &processInstance{
		client:   client,
		provider: provider,
		pid:      pid,
	}, nil
}

// processInstance adapts a dispensed go-plugin provider to the Instance
// contract.
type processInstance struct {
	client   *goplugin.Client
	provider sdk.PanelProvider
	pid      int

	stopOnce sync.Once
}

func (i *processInstance) Info() (PluginMetadata, error) {
	info, err := i.provider.Info()
	if err != nil {
		return PluginMetadata{}, err
	}
	return PluginMetadata{
		ID:          info.ID,
		Name:        info.Name,
		Description: info.Description,
		Category:    info.Category,
		Icon:        info.Icon,
		Badge:       info.Badge,
		Order:       info.Order,
	}, nil
}

func (i *processInstance) Panels() ([]Panel, error) {
	sdkPanels, err := i.provider.Panels()
	if err != nil {
		return nil, err
	}
	panels := make([]Panel, 0, len(sdkPanels))
	for _, p := range sdkPanels {
		panels = append(panels, Panel{
			ID:      p.ID,
			Title:   p.Title,
			Kind:    p.Kind,
			Order:   p.Order,
			Content: p.Content,
		})
	}
	return panels, nil
}

func (i *processInstance) Commands() ([]Command, error) {
	sdkCommands, err := i.provider.Commands()
	if err != nil {
		return nil, err
	}
	commands := make([]Command, 0, len(sdkCommands))
	for _, c := range sdkCommands {
		commands = append(commands, Command{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
		})
	}
	return commands, nil
}

func (i *processInstance) Refresh() error {
	return i.provider.Refresh()
}

func (i *processInstance) Stop() error {
	i.stopOnce.Do(func() {
		i.client.Kill()
	})
	return nil
}

func (i *processInstance) RuntimeName() string { return "process" }

func (i *processInstance) Pid() int { return i.pid }
