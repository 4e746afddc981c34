// Package server provides the HTTP surface of the Skydeck service.
// This file contains all API route definitions organized by functionality.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skydeck-app/skydeck/internal/server/handlers"
)

// setupRoutes wires every handler into the gin engine.
func (s *Server) setupRoutes(r *gin.Engine) {
	pluginsHandler := handlers.NewPluginsHandler(s.loader, s.store, s.icons, s.logger)
	panelsHandler := handlers.NewPanelsHandler(s.loader.Registry(), s.logger)
	eventsHandler := handlers.NewEventsHandler(s.eventBus, s.logger)
	systemHandler := handlers.NewSystemHandler(s.probe, s.loader.Registry(), s.logger)
	s.events = eventsHandler

	r.GET("/health", s.handleHealth)

	if s.cfg.Server.EnableMetrics && s.promRegistry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		plugins := api.Group("/plugins")
		{
			plugins.GET("", pluginsHandler.ListPlugins)
			plugins.POST("/refresh", pluginsHandler.RefreshPlugins(s.cfg.Plugins.PluginDir))
			plugins.GET("/:id", pluginsHandler.GetPlugin)
			plugins.POST("/:id/reload", pluginsHandler.ReloadPlugin)
			plugins.POST("/:id/enable", pluginsHandler.EnablePlugin)
			plugins.POST("/:id/disable", pluginsHandler.DisablePlugin)
			plugins.GET("/:id/icon", pluginsHandler.PluginIcon)
			plugins.GET("/:id/stats", pluginsHandler.PluginStats)
			plugins.GET("/:id/panels", panelsHandler.PluginPanels)
		}

		panels := api.Group("/panels")
		{
			panels.GET("", panelsHandler.ListPanels)
			panels.GET("/categories", panelsHandler.ListCategories)
			panels.GET("/category/:name", panelsHandler.ListPanelsByCategory)
		}

		api.GET("/commands", panelsHandler.ListCommands)

		eventsGroup := api.Group("/events")
		{
			eventsGroup.GET("", eventsHandler.RecentEvents)
			eventsGroup.GET("/ws", eventsHandler.StreamEvents)
		}

		api.GET("/system", systemHandler.SystemInfo)
	}
}

// handleHealth reports liveness of the service and its collaborators.
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	health := gin.H{
		"status":         "ok",
		"plugins_active": s.loader.Registry().Count(),
	}

	if err := s.eventBus.Health(); err != nil {
		health["status"] = "degraded"
		health["event_bus"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	if s.events != nil {
		health["event_streams"] = s.events.ActiveStreamCount()
	}

	c.JSON(status, health)
}
