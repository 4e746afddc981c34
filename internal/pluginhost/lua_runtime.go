package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"
)

// LuaRuntime hosts .lua entry points in-process inside a sandboxed
// interpreter. The script runs once at start and must leave a global
// plugin table behind describing itself and its panels.
type LuaRuntime struct {
	callTimeout time.Duration
	logger      hclog.Logger
}

// NewLuaRuntime creates the Lua runtime. callTimeout bounds every call
// into plugin code; zero disables the bound.
func NewLuaRuntime(callTimeout time.Duration, logger hclog.Logger) *LuaRuntime {
	return &LuaRuntime{
		callTimeout: callTimeout,
		logger:      logger.Named("lua"),
	}
}

func (r *LuaRuntime) Name() string { return "lua" }

func (r *LuaRuntime) CanLoad(entryPoint string) bool {
	return strings.HasSuffix(entryPoint, ".lua")
}

func (r *LuaRuntime) Start(ctx context.Context, manifest *Manifest, dir string) (Instance, error) {
	path := filepath.Join(dir, manifest.EntryPoint)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("entry point %s is not readable: %w", manifest.EntryPoint, err)
	}

	state := newLuaState(r.callTimeout)
	state.injectHostAPI(manifest.ID, manifest.Permissions, r.logger.Named(manifest.ID))

	if err := state.doFile(path); err != nil {
		state.close()
		return nil, fmt.Errorf("failed to run %s: %w", manifest.EntryPoint, err)
	}

	table, err := state.globalTable("plugin")
	if err != nil {
		state.close()
		return nil, err
	}

	r.logger.Debug("lua plugin started", "plugin_id", manifest.ID, "entry_point", manifest.EntryPoint)
	return &luaInstance{state: state, table: table}, nil
}

// luaInstance adapts a loaded script's plugin table to the Instance
// contract.
type luaInstance struct {
	state *luaState
	table *lua.LTable
}

func (i *luaInstance) Info() (PluginMetadata, error) {
	if i.state.isClosed() {
		return PluginMetadata{}, errLuaStateClosed
	}
	return PluginMetadata{
		ID:          i.state.fieldString(i.table, "id"),
		Name:        i.state.fieldString(i.table, "name"),
		Description: i.state.fieldString(i.table, "description"),
		Category:    i.state.fieldString(i.table, "category"),
		Icon:        i.state.fieldString(i.table, "icon"),
		Badge:       i.state.fieldString(i.table, "badge"),
		Order:       i.state.fieldInt(i.table, "order"),
	}, nil
}

func (i *luaInstance) Panels() ([]Panel, error) {
	value, err := i.state.callField(i.table, "panels")
	if err != nil {
		return nil, fmt.Errorf("plugin.panels failed: %w", err)
	}
	return i.decodePanels(value)
}

func (i *luaInstance) Commands() ([]Command, error) {
	value, err := i.state.callField(i.table, "commands")
	if err != nil {
		return nil, fmt.Errorf("plugin.commands failed: %w", err)
	}
	return i.decodeCommands(value)
}

func (i *luaInstance) Refresh() error {
	if _, err := i.state.callField(i.table, "refresh"); err != nil {
		return fmt.Errorf("plugin.refresh failed: %w", err)
	}
	return nil
}

func (i *luaInstance) Stop() error {
	return i.state.close()
}

func (i *luaInstance) RuntimeName() string { return "lua" }

func (i *luaInstance) Pid() int { return 0 }

func (i *luaInstance) decodePanels(value lua.LValue) ([]Panel, error) {
	tbl, ok := value.(*lua.LTable)
	if !ok {
		return nil, nil
	}

	var panels []Panel
	i.state.mu.Lock()
	defer i.state.mu.Unlock()
	if i.state.closed {
		return nil, errLuaStateClosed
	}

	for idx := 1; ; idx++ {
		item := tbl.RawGetInt(idx)
		if item == lua.LNil {
			break
		}
		pt, ok := item.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("panel %d is not a table", idx)
		}
		panel := Panel{
			ID:    luaToString(i.state.L.GetField(pt, "id")),
			Title: luaToString(i.state.L.GetField(pt, "title")),
			Kind:  luaToString(i.state.L.GetField(pt, "kind")),
			Order: luaToInt(i.state.L.GetField(pt, "order")),
		}
		if content, ok := i.state.L.GetField(pt, "content").(*lua.LTable); ok {
			panel.Content = make(map[string]string)
			content.ForEach(func(k, v lua.LValue) {
				panel.Content[luaToString(k)] = v.String()
			})
		}
		panels = append(panels, panel)
	}
	return panels, nil
}

func (i *luaInstance) decodeCommands(value lua.LValue) ([]Command, error) {
	tbl, ok := value.(*lua.LTable)
	if !ok {
		return nil, nil
	}

	var commands []Command
	i.state.mu.Lock()
	defer i.state.mu.Unlock()
	if i.state.closed {
		return nil, errLuaStateClosed
	}

	for idx := 1; ; idx++ {
		item := tbl.RawGetInt(idx)
		if item == lua.LNil {
			break
		}
		ct, ok := item.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("command %d is not a table", idx)
		}
		commands = append(commands, Command{
			ID:          luaToString(i.state.L.GetField(ct, "id")),
			Title:       luaToString(i.state.L.GetField(ct, "title")),
			Description: luaToString(i.state.L.GetField(ct, "description")),
		})
	}
	return commands, nil
}
