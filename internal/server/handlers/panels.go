package handlers

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/skydeck-app/skydeck/internal/api"
	"github.com/skydeck-app/skydeck/internal/pluginhost"
)

// PanelsHandler serves the aggregated panel surface: every registered
// plugin contributes panels and commands, and the handler presents them
// in registry order so the desktop shell can render them directly.
type PanelsHandler struct {
	registry *pluginhost.Registry
	logger   hclog.Logger
}

// NewPanelsHandler creates panel aggregation handlers.
func NewPanelsHandler(registry *pluginhost.Registry, logger hclog.Logger) *PanelsHandler {
	return &PanelsHandler{
		registry: registry,
		logger:   logger.Named("api"),
	}
}

// panelView is a panel annotated with its owning plugin.
type panelView struct {
	PluginID string            `json:"plugin_id"`
	Category string            `json:"category"`
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Kind     string            `json:"kind"`
	Order    int               `json:"order"`
	Content  map[string]string `json:"content,omitempty"`
}

// commandView is a command annotated with its owning plugin.
type commandView struct {
	PluginID    string `json:"plugin_id"`
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListPanels returns panels from every registered plugin, grouped the
// way the registry orders plugins. A plugin whose panel call fails is
// skipped and logged; one broken plugin must not blank the whole deck.
func (h *PanelsHandler) ListPanels(c *gin.Context) {
	out := h.collect(h.registry.ListAll())

	c.JSON(http.StatusOK, gin.H{
		"panels": out,
		"count":  len(out),
	})
}

// ListPanelsByCategory returns panels from plugins in one category.
func (h *PanelsHandler) ListPanelsByCategory(c *gin.Context) {
	category := c.Param("name")
	out := h.collect(h.registry.ListByCategory(category))

	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"panels":   out,
		"count":    len(out),
	})
}

// ListCategories returns the categories of currently registered plugins.
func (h *PanelsHandler) ListCategories(c *gin.Context) {
	categories := h.registry.Categories()

	c.JSON(http.StatusOK, gin.H{
		"categories": categories,
		"count":      len(categories),
	})
}

// ListCommands returns the commands of every registered plugin.
func (h *PanelsHandler) ListCommands(c *gin.Context) {
	out := make([]commandView, 0)
	for _, p := range h.registry.ListAll() {
		meta := p.Metadata()
		commands, err := p.Commands()
		if err != nil {
			h.logger.Warn("plugin command listing failed", "plugin", meta.ID, "error", err)
			continue
		}
		for _, cmd := range commands {
			out = append(out, commandView{
				PluginID:    meta.ID,
				ID:          cmd.ID,
				Title:       cmd.Title,
				Description: cmd.Description,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"commands": out,
		"count":    len(out),
	})
}

// PluginPanels returns the panels of a single plugin.
func (h *PanelsHandler) PluginPanels(c *gin.Context) {
	pluginID := c.Param("id")

	p, ok := h.registry.Get(pluginID)
	if !ok {
		api.RespondWithError(c, pluginhost.ErrPluginNotFound)
		return
	}

	panels, err := p.Panels()
	if err != nil {
		api.RespondWithError(c, fmt.Errorf("plugin failed to produce panels: %w", err))
		return
	}
	sortPanels(panels)

	meta := p.Metadata()
	out := make([]panelView, 0, len(panels))
	for _, panel := range panels {
		out = append(out, panelView{
			PluginID: meta.ID,
			Category: meta.Category,
			ID:       panel.ID,
			Title:    panel.Title,
			Kind:     panel.Kind,
			Order:    panel.Order,
			Content:  panel.Content,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"plugin_id": pluginID,
		"panels":    out,
		"count":     len(out),
	})
}

// collect flattens panels from an already-ordered plugin list.
func (h *PanelsHandler) collect(plugins []pluginhost.Plugin) []panelView {
	out := make([]panelView, 0)
	for _, p := range plugins {
		meta := p.Metadata()
		panels, err := p.Panels()
		if err != nil {
			h.logger.Warn("plugin panel listing failed", "plugin", meta.ID, "error", err)
			continue
		}
		sortPanels(panels)
		for _, panel := range panels {
			out = append(out, panelView{
				PluginID: meta.ID,
				Category: meta.Category,
				ID:       panel.ID,
				Title:    panel.Title,
				Kind:     panel.Kind,
				Order:    panel.Order,
				Content:  panel.Content,
			})
		}
	}
	return out
}

// sortPanels orders a plugin's own panels by their declared order,
// falling back to ID so the result is stable.
func sortPanels(panels []pluginhost.Panel) {
	sort.SliceStable(panels, func(i, j int) bool {
		if panels[i].Order != panels[j].Order {
			return panels[i].Order < panels[j].Order
		}
		return panels[i].ID < panels[j].ID
	})
}
