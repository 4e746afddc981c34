package pluginhost

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Registry is the authoritative, thread-safe collection of live plugins.
// All lookups go through it; holding a Plugin across a reload means
// observing the old instance until it is re-resolved.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
	nextSeq uint64

	// catSeq remembers the order categories were first seen in. It is
	// never pruned, so category ordering stays stable across hot
	// reloads and re-registrations for the life of the process.
	catSeq     map[string]uint64
	nextCatSeq uint64

	logger hclog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*RegistryEntry),
		catSeq:  make(map[string]uint64),
		logger:  logger.Named("registry"),
	}
}

// Register adds a plugin under its metadata id. Registering an id that
// is already present fails with DuplicateIDError and leaves the existing
// plugin untouched.
func (r *Registry) Register(p Plugin, sourceDir, fingerprint string) error {
	meta := p.Metadata()
	if err := ValidatePluginID(meta.ID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.ID]; exists {
		return &DuplicateIDError{ID: meta.ID}
	}

	category := normalizeCategory(meta.Category)
	if _, seen := r.catSeq[category]; !seen {
		r.nextCatSeq++
		r.catSeq[category] = r.nextCatSeq
	}

	r.nextSeq++
	r.entries[meta.ID] = &RegistryEntry{
		Plugin:          p,
		SourceDir:       sourceDir,
		LastFingerprint: fingerprint,
		RegisteredAt:    time.Now(),
		seq:             r.nextSeq,
		catSeq:          r.catSeq[category],
	}

	r.logger.Debug("registered plugin", "plugin_id", meta.ID, "category", category, "order", meta.Order)
	return nil
}

// Unregister removes a plugin and reports whether it was present.
// Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	r.logger.Debug("unregistered plugin", "plugin_id", id)
	return true
}

// restore reinstates a previously captured entry under its original
// sequence numbers, so a rolled-back reload does not shift list
// ordering. The id must be free.
func (r *Registry) restore(entry RegistryEntry) error {
	meta := entry.Plugin.Metadata()
	if err := ValidatePluginID(meta.ID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.ID]; exists {
		return &DuplicateIDError{ID: meta.ID}
	}
	restored := entry
	r.entries[meta.ID] = &restored
	r.logger.Debug("restored plugin", "plugin_id", meta.ID)
	return nil
}

// Get returns the live plugin registered under id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Plugin, true
}

// Entry returns a copy of the bookkeeping entry for id.
func (r *Registry) Entry(id string) (RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return RegistryEntry{}, false
	}
	return *entry, true
}

// FindBySourceDir returns the id of the plugin loaded from dir.
func (r *Registry) FindBySourceDir(dir string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, entry := range r.entries {
		if entry.SourceDir == dir {
			return id, true
		}
	}
	return "", false
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ListAll returns every registered plugin, grouped by category in
// first-seen order, then by ascending display order, then by
// registration order for ties.
func (r *Registry) ListAll() []Plugin {
	r.mu.RLock()
	sorted := r.sortedEntriesLocked()
	r.mu.RUnlock()

	plugins := make([]Plugin, 0, len(sorted))
	for _, se := range sorted {
		plugins = append(plugins, se.entry.Plugin)
	}
	return plugins
}

// ListByCategory returns the plugins of one category, ordered by
// ascending display order then registration order.
func (r *Registry) ListByCategory(category string) []Plugin {
	r.mu.RLock()
	sorted := r.sortedEntriesLocked()
	r.mu.RUnlock()

	var plugins []Plugin
	for _, se := range sorted {
		if normalizeCategory(se.meta.Category) == category {
			plugins = append(plugins, se.entry.Plugin)
		}
	}
	return plugins
}

// Categories returns the categories that currently have at least one
// registered plugin, in first-seen order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	type cat struct {
		name string
		seq  uint64
	}
	var cats []cat
	for _, entry := range r.entries {
		name := normalizeCategory(entry.Plugin.Metadata().Category)
		if seen[name] {
			continue
		}
		seen[name] = true
		cats = append(cats, cat{name: name, seq: entry.catSeq})
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].seq < cats[j].seq })

	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.name)
	}
	return names
}

// normalizeCategory maps an unset category to the catch-all bucket so
// sequencing and the read views agree on one name.
func normalizeCategory(category string) string {
	if category == "" {
		return "general"
	}
	return category
}

type sortedEntry struct {
	entry *RegistryEntry
	meta  PluginMetadata
}

func (r *Registry) sortedEntriesLocked() []sortedEntry {
	sorted := make([]sortedEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		sorted = append(sorted, sortedEntry{entry: entry, meta: entry.Plugin.Metadata()})
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.entry.catSeq != b.entry.catSeq {
			return a.entry.catSeq < b.entry.catSeq
		}
		if a.meta.Order != b.meta.Order {
			return a.meta.Order < b.meta.Order
		}
		return a.entry.seq < b.entry.seq
	})
	return sorted
}
