package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ManifestFileName is the descriptor every plugin directory must carry.
const ManifestFileName = "plugin.cue"

// ManifestParser turns on-disk CUE descriptors into typed Manifests. A
// parser is safe for concurrent use.
type ManifestParser struct {
	cueCtx *cue.Context
}

// NewManifestParser creates a manifest parser with a fresh CUE context.
func NewManifestParser() *ManifestParser {
	return &ManifestParser{cueCtx: cuecontext.New()}
}

// ParseDir reads and parses the manifest inside a plugin directory.
func (p *ManifestParser) ParseDir(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ValidationError{Field: "manifest", Message: fmt.Sprintf("missing %s", ManifestFileName)}
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return p.Parse(data)
}

// Parse decodes raw manifest bytes. Malformed CUE and missing or invalid
// required fields surface as ValidationError.
func (p *ManifestParser) Parse(data []byte) (*Manifest, error) {
	value := p.cueCtx.CompileBytes(data)
	if value.Err() != nil {
		return nil, &ValidationError{Field: "manifest", Message: fmt.Sprintf("failed to parse CUE: %v", value.Err())}
	}

	// Manifests may declare a #Plugin definition or put fields at the
	// root. Prefer the definition when present.
	pluginValue := value.LookupPath(cue.ParsePath("#Plugin"))
	if !pluginValue.Exists() {
		pluginValue = value
	}

	var m Manifest
	if err := pluginValue.Decode(&m); err != nil {
		return nil, &ValidationError{Field: "manifest", Message: fmt.Sprintf("failed to decode: %v", err)}
	}

	// Decode drops fields hidden behind unresolved references; pull the
	// entry point explicitly before declaring it missing.
	if m.EntryPoint == "" {
		if v := pluginValue.LookupPath(cue.ParsePath("entry_point")); v.Exists() {
			if s, err := v.String(); err == nil {
				m.EntryPoint = s
			}
		}
	}

	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	normalizeManifest(&m)
	return &m, nil
}

func validateManifest(m *Manifest) error {
	if err := ValidatePluginID(m.ID); err != nil {
		return err
	}
	if m.Version == "" {
		return &ValidationError{Field: "version", Message: "required field is missing"}
	}
	if m.EntryPoint == "" {
		return &ValidationError{Field: "entry_point", Message: "required field is missing"}
	}
	if strings.Contains(m.EntryPoint, "..") || filepath.IsAbs(m.EntryPoint) {
		return &ValidationError{Field: "entry_point", Message: "must be a relative path inside the plugin directory"}
	}
	if m.Compat.MinPlatformVersion < 0 {
		return &ValidationError{Field: "compat.min_platform_version", Message: "must not be negative"}
	}
	switch m.Compat.DisplayServer {
	case DisplayServerAny, DisplayServerWayland, DisplayServerX11:
	default:
		return &ValidationError{Field: "compat.display_server", Message: fmt.Sprintf("unknown value %q", m.Compat.DisplayServer)}
	}
	return nil
}

// ValidatePluginID checks that an id is non-empty and usable as a
// directory-safe key.
func ValidatePluginID(id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Message: "required field is missing"}
	}
	if strings.ContainsAny(id, "/\\") {
		return &ValidationError{Field: "id", Message: "must not contain path separators"}
	}
	if id == "." || id == ".." {
		return &ValidationError{Field: "id", Message: "must not be a relative path element"}
	}
	if strings.ContainsAny(id, " \t\n\r") {
		return &ValidationError{Field: "id", Message: "must not contain whitespace"}
	}
	return nil
}

func normalizeManifest(m *Manifest) {
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Category == "" {
		m.Category = "general"
	}
	m.Permissions = dedupeStrings(m.Permissions)
	m.Compat.RequiresPackages = dedupeStrings(m.Compat.RequiresPackages)

	envs := make([]string, 0, len(m.Compat.AllowedDesktopEnvs))
	for _, env := range m.Compat.AllowedDesktopEnvs {
		env = strings.ToLower(strings.TrimSpace(env))
		if env != "" {
			envs = append(envs, env)
		}
	}
	m.Compat.AllowedDesktopEnvs = dedupeStrings(envs)
}

// dedupeStrings trims, drops empties, and removes duplicates while
// preserving first-seen order.
func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
