// Package pluginhost implements Skydeck's plugin hosting subsystem: on-disk
// discovery, manifest validation, compatibility gating, sandboxed loading,
// the live plugin registry, and hot reload with transactional rollback.
package pluginhost

import (
	"time"
)

// DisplayServer restricts which display-server family a plugin may run
// under. The empty value means no restriction.
type DisplayServer string

const (
	DisplayServerAny     DisplayServer = ""
	DisplayServerWayland DisplayServer = "wayland"
	DisplayServerX11     DisplayServer = "x11"
)

// Publisher identifies who ships a plugin. Shown to the user during
// consent.
type Publisher struct {
	Author   string `json:"author"`
	Website  string `json:"website,omitempty"`
	Verified bool   `json:"verified"`
}

// CompatSpec declares what a plugin needs from the host system.
type CompatSpec struct {
	MinPlatformVersion int           `json:"min_platform_version"`
	AllowedDesktopEnvs []string      `json:"allowed_desktop_envs"`
	RequiresPackages   []string      `json:"requires_packages"`
	DisplayServer      DisplayServer `json:"display_server"`
}

// CompatStatus is the outcome of evaluating a CompatSpec against the
// running system. Warnings are advisory and never block a load.
type CompatStatus struct {
	Compatible bool     `json:"compatible"`
	Reason     string   `json:"reason,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Manifest is a plugin's parsed on-disk descriptor. Immutable once
// parsed.
type Manifest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Icon        string     `json:"icon"`
	Badge       string     `json:"badge"`
	Order       int        `json:"order"`
	EntryPoint  string     `json:"entry_point"`
	Permissions []string   `json:"permissions"`
	Publisher   Publisher  `json:"publisher"`
	Compat      CompatSpec `json:"compat"`
}

// PluginMetadata is the display and ordering contract every registered
// plugin exposes.
type PluginMetadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Icon        string `json:"icon"`
	Badge       string `json:"badge,omitempty"`
	Order       int    `json:"order"`
}

// Panel is one dashboard panel contributed by a plugin.
type Panel struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Kind    string            `json:"kind"`
	Order   int               `json:"order"`
	Content map[string]string `json:"content,omitempty"`
}

// Command is an invokable action contributed by a plugin.
type Command struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Plugin is the host-side contract the rest of the application consumes.
// Callers resolve plugins through the Registry on every access; holding a
// Plugin across a hot reload observes the old code until re-resolved.
type Plugin interface {
	Metadata() PluginMetadata
	Panels() ([]Panel, error)
	Commands() ([]Command, error)
}

// HotReloadRequest asks the loader to reload one plugin. ChangedFiles,
// when supplied by the caller, forces the reload pipeline even if the
// recomputed fingerprint is unchanged.
type HotReloadRequest struct {
	PluginID     string   `json:"plugin_id"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Reason       string   `json:"reason"`
}

// HotReloadResult is the terminal outcome of a reload request.
// Reloaded=false with RolledBack=true is a failed-but-safe reload; both
// false means either a benign no-op or the one unrecoverable case, which
// the accompanying error distinguishes.
type HotReloadResult struct {
	PluginID   string `json:"plugin_id"`
	Reloaded   bool   `json:"reloaded"`
	RolledBack bool   `json:"rolled_back"`
	Message    string `json:"message"`
}

// SkippedPlugin records why one plugin directory did not produce a
// registered plugin during a batch load.
type SkippedPlugin struct {
	Dir      string `json:"dir"`
	PluginID string `json:"plugin_id,omitempty"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

// LoadSummary reports a batch load: which plugins registered and which
// were skipped, with reasons. A non-empty Skipped list is not a startup
// failure.
type LoadSummary struct {
	Loaded  []string        `json:"loaded"`
	Skipped []SkippedPlugin `json:"skipped"`
}

// Load pipeline stages recorded in SkippedPlugin.Stage.
const (
	StageManifest    = "manifest"
	StageCompat      = "compat"
	StageConsent     = "consent"
	StageSandbox     = "sandbox"
	StageFingerprint = "fingerprint"
	StageStart       = "start"
	StageAdapt       = "adapt"
	StageRegister    = "register"
	StageDisabled    = "disabled"
)

// LoadState tracks where a plugin id currently sits in its lifecycle.
type LoadState string

const (
	StateUnloaded   LoadState = "unloaded"
	StateDiscovered LoadState = "discovered"
	StateValidated  LoadState = "validated"
	StateCompatOK   LoadState = "compatibility_checked"
	StateSandboxed  LoadState = "sandboxed"
	StateRegistered LoadState = "registered"
	StateReloading  LoadState = "reloading"
	StateFailed     LoadState = "failed"
	StateDisabled   LoadState = "disabled"
)

// RegistryEntry associates a registered plugin with its bookkeeping. The
// Registry exclusively owns these; callers receive copies or the Plugin
// itself, never a mutable entry.
type RegistryEntry struct {
	Plugin          Plugin
	SourceDir       string
	LastFingerprint string
	RegisteredAt    time.Time

	seq    uint64 // registration sequence, breaks order ties
	catSeq uint64 // first-seen sequence of the entry's category
}
