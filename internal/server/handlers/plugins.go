// Package handlers provides the HTTP handlers for the Skydeck API.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/skydeck-app/skydeck/internal/api"
	"github.com/skydeck-app/skydeck/internal/pluginhost"
)

// PluginsHandler serves plugin management endpoints backed by the loader,
// the live registry, and the persistent plugin store.
type PluginsHandler struct {
	loader   *pluginhost.Loader
	registry *pluginhost.Registry
	store    *pluginhost.Store
	icons    *pluginhost.IconManager
	logger   hclog.Logger
}

// NewPluginsHandler creates plugin management handlers.
func NewPluginsHandler(loader *pluginhost.Loader, store *pluginhost.Store, icons *pluginhost.IconManager, logger hclog.Logger) *PluginsHandler {
	return &PluginsHandler{
		loader:   loader,
		registry: loader.Registry(),
		store:    store,
		icons:    icons,
		logger:   logger.Named("api"),
	}
}

// ListPlugins returns all known plugins. Registered plugins report live
// metadata; plugins known only from the store (disabled, failed) report
// their persisted record.
func (h *PluginsHandler) ListPlugins(c *gin.Context) {
	states := h.loader.States()
	seen := make(map[string]bool)
	out := make([]gin.H, 0)

	for _, p := range h.registry.ListAll() {
		meta := p.Metadata()
		seen[meta.ID] = true

		data := gin.H{
			"id":          meta.ID,
			"name":        meta.Name,
			"description": meta.Description,
			"category":    meta.Category,
			"badge":       meta.Badge,
			"order":       meta.Order,
			"state":       states[meta.ID],
			"registered":  true,
		}

		if entry, ok := h.registry.Entry(meta.ID); ok {
			data["registered_at"] = entry.RegisteredAt
			data["fingerprint"] = entry.LastFingerprint
		}
		if ap, ok := p.(*pluginhost.AdaptedPlugin); ok {
			data["runtime"] = ap.RuntimeName()
			if pid := ap.Pid(); pid > 0 {
				data["pid"] = pid
			}
		}
		h.mergeRecord(data, meta.ID)

		out = append(out, data)
	}

	// Append plugins that exist only as store records.
	if records, err := h.store.ListPlugins(); err == nil {
		for _, rec := range records {
			if seen[rec.PluginID] {
				continue
			}
			out = append(out, gin.H{
				"id":            rec.PluginID,
				"name":          rec.Name,
				"description":   rec.Description,
				"category":      rec.Category,
				"version":       rec.Version,
				"runtime":       rec.Runtime,
				"status":        rec.Status,
				"state":         states[rec.PluginID],
				"registered":    false,
				"error_message": rec.ErrorMessage,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"plugins": out,
		"count":   len(out),
	})
}

// GetPlugin returns details for one plugin.
func (h *PluginsHandler) GetPlugin(c *gin.Context) {
	pluginID := c.Param("id")

	if p, ok := h.registry.Get(pluginID); ok {
		meta := p.Metadata()
		data := gin.H{
			"id":          meta.ID,
			"name":        meta.Name,
			"description": meta.Description,
			"category":    meta.Category,
			"badge":       meta.Badge,
			"order":       meta.Order,
			"state":       h.loader.State(pluginID),
			"registered":  true,
		}
		if entry, ok := h.registry.Entry(pluginID); ok {
			data["registered_at"] = entry.RegisteredAt
			data["fingerprint"] = entry.LastFingerprint
			data["install_path"] = entry.SourceDir
		}
		if ap, ok := p.(*pluginhost.AdaptedPlugin); ok {
			data["runtime"] = ap.RuntimeName()
			if pid := ap.Pid(); pid > 0 {
				data["pid"] = pid
			}
		}
		h.mergeRecord(data, pluginID)

		c.JSON(http.StatusOK, gin.H{"plugin": data})
		return
	}

	rec, found, err := h.store.FindPlugin(pluginID)
	if err != nil {
		api.RespondWithError(c, err)
		return
	}
	if !found {
		api.RespondWithError(c, pluginhost.ErrPluginNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"plugin": gin.H{
			"id":            rec.PluginID,
			"name":          rec.Name,
			"description":   rec.Description,
			"category":      rec.Category,
			"version":       rec.Version,
			"runtime":       rec.Runtime,
			"status":        rec.Status,
			"state":         h.loader.State(pluginID),
			"registered":    false,
			"install_path":  rec.InstallPath,
			"error_message": rec.ErrorMessage,
			"installed_at":  rec.InstalledAt,
			"enabled_at":    rec.EnabledAt,
		},
	})
}

// ReloadPlugin swaps a running plugin for its current on-disk content.
// A body may force the reload even when the fingerprint is unchanged.
func (h *PluginsHandler) ReloadPlugin(c *gin.Context) {
	pluginID := c.Param("id")

	var body struct {
		ChangedFiles []string `json:"changed_files"`
		Reason       string   `json:"reason"`
	}
	// Body is optional; ignore bind errors for empty requests.
	_ = c.ShouldBindJSON(&body)

	if body.Reason == "" {
		body.Reason = "api request"
	}

	result, err := h.loader.Reload(c.Request.Context(), pluginhost.HotReloadRequest{
		PluginID:     pluginID,
		ChangedFiles: body.ChangedFiles,
		Reason:       body.Reason,
	})
	if err != nil {
		// A failed reload still carries a result so the caller can see
		// whether the previous instance survived.
		status, code := api.StatusForError(err)
		resp := gin.H{
			"success": false,
			"error":   gin.H{"code": code, "message": err.Error()},
		}
		if result != nil {
			resp["result"] = result
		}
		c.JSON(status, resp)
		return
	}

	// Drop cached icons so a replaced icon is re-encoded on the next
	// request even when its mod time did not move.
	if result.Reloaded {
		if entry, ok := h.registry.Entry(pluginID); ok {
			h.icons.Invalidate(entry.SourceDir)
		}
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// EnablePlugin re-enables a previously disabled plugin and loads it.
func (h *PluginsHandler) EnablePlugin(c *gin.Context) {
	pluginID := c.Param("id")

	if err := h.loader.Enable(c.Request.Context(), pluginID); err != nil {
		api.RespondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "plugin enabled",
		"plugin_id": pluginID,
	})
}

// DisablePlugin stops a plugin and marks it disabled so startups skip it.
func (h *PluginsHandler) DisablePlugin(c *gin.Context) {
	pluginID := c.Param("id")

	if err := h.loader.Disable(c.Request.Context(), pluginID); err != nil {
		api.RespondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "plugin disabled",
		"plugin_id": pluginID,
	})
}

// PluginIcon serves a plugin's icon, converted to WebP.
func (h *PluginsHandler) PluginIcon(c *gin.Context) {
	pluginID := c.Param("id")

	entry, ok := h.registry.Entry(pluginID)
	if !ok {
		api.RespondWithError(c, pluginhost.ErrPluginNotFound)
		return
	}

	meta := entry.Plugin.Metadata()
	if meta.Icon == "" {
		api.RespondNotFound(c, "plugin has no icon")
		return
	}

	data, err := h.icons.PluginIcon(entry.SourceDir, meta.Icon)
	if err != nil {
		h.logger.Warn("icon conversion failed", "plugin", pluginID, "error", err)
		c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{
			Success: false,
			Error:   api.ErrorDetails{Code: api.CodeIconUnreadable, Message: "icon could not be served"},
		})
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, pluginhost.IconContentType, data)
}

// PluginStats reports process statistics for a subprocess plugin.
// In-process runtimes share the host's process, so there is nothing to
// measure for them.
func (h *PluginsHandler) PluginStats(c *gin.Context) {
	pluginID := c.Param("id")

	p, ok := h.registry.Get(pluginID)
	if !ok {
		api.RespondWithError(c, pluginhost.ErrPluginNotFound)
		return
	}

	ap, ok := p.(*pluginhost.AdaptedPlugin)
	if !ok || ap.Pid() <= 0 {
		api.RespondNotFound(c, "plugin runs in-process and has no process stats")
		return
	}

	proc, err := process.NewProcessWithContext(c.Request.Context(), int32(ap.Pid()))
	if err != nil {
		api.RespondNotFound(c, "plugin process is gone")
		return
	}

	stats := gin.H{
		"plugin_id":  pluginID,
		"pid":        ap.Pid(),
		"runtime":    ap.RuntimeName(),
		"state":      h.loader.State(pluginID),
		"checked_at": time.Now(),
	}
	if entry, ok := h.registry.Entry(pluginID); ok {
		stats["registered_at"] = entry.RegisteredAt
		stats["uptime_seconds"] = int64(time.Since(entry.RegisteredAt).Seconds())
	}
	if cpu, err := proc.CPUPercentWithContext(c.Request.Context()); err == nil {
		stats["cpu_percent"] = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(c.Request.Context()); err == nil {
		stats["memory_rss_bytes"] = mem.RSS
		stats["memory_vms_bytes"] = mem.VMS
	}

	c.JSON(http.StatusOK, stats)
}

// RefreshPlugins rescans the plugin directory and loads anything new.
func (h *PluginsHandler) RefreshPlugins(pluginDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.loader.LoadAll(c.Request.Context(), pluginDir)
		if err != nil {
			api.RespondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"summary": summary,
		})
	}
}

// mergeRecord folds persisted store fields into a live plugin response.
func (h *PluginsHandler) mergeRecord(data gin.H, pluginID string) {
	rec, found, err := h.store.FindPlugin(pluginID)
	if err != nil || !found {
		return
	}
	data["version"] = rec.Version
	data["status"] = rec.Status
	data["installed_at"] = rec.InstalledAt
	if rec.EnabledAt != nil {
		data["enabled_at"] = rec.EnabledAt
	}
	if rec.Author != "" {
		data["author"] = rec.Author
	}
	data["verified"] = rec.Verified
}
