package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/skydeck-app/skydeck/internal/pluginhost"
)

// SystemHandler reports the host environment Skydeck is running on:
// the same probe data the compatibility gate evaluates, plus basic
// resource usage for the shell's status view.
type SystemHandler struct {
	probe     pluginhost.SystemProbe
	registry  *pluginhost.Registry
	logger    hclog.Logger
	startTime time.Time
}

// NewSystemHandler creates system info handlers.
func NewSystemHandler(probe pluginhost.SystemProbe, registry *pluginhost.Registry, logger hclog.Logger) *SystemHandler {
	return &SystemHandler{
		probe:     probe,
		registry:  registry,
		logger:    logger.Named("api"),
		startTime: time.Now(),
	}
}

// SystemInfo returns host platform details and resource usage.
func (h *SystemHandler) SystemInfo(c *gin.Context) {
	ctx := c.Request.Context()

	info := gin.H{
		"platform_version": h.probe.PlatformVersion(ctx),
		"desktop_envs":     h.probe.DesktopEnvs(),
		"display_server":   displayServerName(h.probe.CurrentDisplayServer()),
		"plugins_active":   h.registry.Count(),
		"uptime_seconds":   int64(time.Since(h.startTime).Seconds()),
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["os"] = hostInfo.OS
		info["platform"] = hostInfo.Platform
		info["platform_full"] = hostInfo.PlatformVersion
		info["kernel_version"] = hostInfo.KernelVersion
		info["host_uptime_seconds"] = hostInfo.Uptime
	} else {
		h.logger.Debug("host info probe failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory"] = gin.H{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_percent":    vm.UsedPercent,
		}
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info["cpu_percent"] = percents[0]
	}

	c.JSON(http.StatusOK, info)
}

func displayServerName(ds pluginhost.DisplayServer) string {
	if ds == pluginhost.DisplayServerAny {
		return "unknown"
	}
	return string(ds)
}
