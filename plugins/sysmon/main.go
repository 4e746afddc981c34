// Sysmon is a subprocess panel plugin that reports memory and CPU
// pressure read from /proc.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/skydeck-app/skydeck/sdk"
)

type sysmonProvider struct{}

func (p *sysmonProvider) Info() (sdk.PluginInfo, error) {
	return sdk.PluginInfo{
		ID:          "sysmon",
		Name:        "System Monitor",
		Version:     "1.0.0",
		Description: "Memory and CPU pressure panels",
		Category:    "system",
		Badge:       "sys",
		Order:       20,
	}, nil
}

func (p *sysmonProvider) Panels() ([]sdk.Panel, error) {
	panels := []sdk.Panel{}

	if total, available, err := readMeminfo(); err == nil {
		usedPercent := 0.0
		if total > 0 {
			usedPercent = float64(total-available) / float64(total) * 100
		}
		panels = append(panels, sdk.Panel{
			ID:    "memory",
			Title: "Memory",
			Kind:  "gauge",
			Order: 1,
			Content: map[string]string{
				"total_kb":     strconv.FormatUint(total, 10),
				"available_kb": strconv.FormatUint(available, 10),
				"used_percent": fmt.Sprintf("%.1f", usedPercent),
			},
		})
	}

	if load, err := readLoadavg(); err == nil {
		panels = append(panels, sdk.Panel{
			ID:    "cpu",
			Title: "CPU",
			Kind:  "text",
			Order: 2,
			Content: map[string]string{
				"load": load,
				"cpus": strconv.Itoa(runtime.NumCPU()),
			},
		})
	}

	return panels, nil
}

func (p *sysmonProvider) Commands() ([]sdk.Command, error) {
	return []sdk.Command{
		{
			ID:          "refresh",
			Title:       "Refresh system stats",
			Description: "Re-read memory and load from /proc",
		},
	}, nil
}

func (p *sysmonProvider) Refresh() error {
	return nil
}

// readMeminfo returns MemTotal and MemAvailable in kB.
func readMeminfo() (total, available uint64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}

	if total == 0 {
		return 0, 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	return total, available, nil
}

// readLoadavg returns the three load averages as "1m / 5m / 15m".
func readLoadavg() (string, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return "", err
	}

	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return "", fmt.Errorf("unexpected /proc/loadavg format")
	}
	return fields[0] + " / " + fields[1] + " / " + fields[2], nil
}

func main() {
	sdk.Serve(&sysmonProvider{})
}
