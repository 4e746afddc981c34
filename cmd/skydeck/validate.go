package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skydeck-app/skydeck/internal/config"
	"github.com/skydeck-app/skydeck/internal/logger"
	"github.com/skydeck-app/skydeck/internal/pluginhost"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [plugin-dir...]",
		Short: "Validate plugin manifests without loading them",
		Long: `Validate parses each plugin directory's manifest, evaluates it against
this machine's compatibility probes, and prints the verdict. No plugin
code is executed. With no arguments every directory under the configured
plugin directory is validated.`,
		RunE: runValidate,
	}

	cmd.Flags().Bool("skip-compat", false, "only validate manifests, skip compatibility checks")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	skipCompat, _ := cmd.Flags().GetBool("skip-compat")

	if err := config.Load(configPath); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.Get()

	log := logger.New(logger.Options{Level: "warn"})

	dirs := args
	if len(dirs) == 0 {
		entries, err := os.ReadDir(cfg.Plugins.PluginDir)
		if err != nil {
			return fmt.Errorf("failed to read plugin directory %s: %w", cfg.Plugins.PluginDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				dirs = append(dirs, filepath.Join(cfg.Plugins.PluginDir, entry.Name()))
			}
		}
	}

	if len(dirs) == 0 {
		fmt.Println("no plugin directories to validate")
		return nil
	}

	parser := pluginhost.NewManifestParser()
	scanner := pluginhost.NewFingerprintScanner(cfg.Plugins.WatchExcludes)
	probe := pluginhost.NewHostProbe(pluginhost.HostProbeOptions{
		PlatformVersionOverride: cfg.Compat.PlatformVersionOverride,
		PackageQueryCommands:    cfg.Compat.PackageQueryCommands,
		PackageCacheSize:        cfg.Compat.PackageCacheSize,
	}, log)
	gate := pluginhost.NewCompatibilityGate(probe, log)

	ctx := context.Background()
	failures := 0

	for _, dir := range dirs {
		fmt.Printf("%s:\n", dir)

		manifest, err := parser.ParseDir(dir)
		if err != nil {
			fmt.Printf("  ✗ manifest: %v\n", err)
			failures++
			continue
		}
		fmt.Printf("  ✓ manifest: %s v%s (%s)\n", manifest.ID, manifest.Version, manifest.EntryPoint)

		if len(manifest.Permissions) > 0 {
			fmt.Printf("    permissions: %s\n", strings.Join(manifest.Permissions, ", "))
		}

		if !skipCompat {
			status := gate.Evaluate(ctx, manifest.Compat)
			if !status.Compatible {
				fmt.Printf("  ✗ compat: %s\n", status.Reason)
				failures++
			} else {
				fmt.Printf("  ✓ compat: ok\n")
				for _, warning := range status.Warnings {
					fmt.Printf("    ⚠ %s\n", warning)
				}
			}
		}

		if fingerprint, err := scanner.ScanDir(dir); err == nil {
			fmt.Printf("    fingerprint: %s\n", fingerprint[:16])
		}
	}

	fmt.Printf("\nvalidated %d plugin(s), %d problem(s)\n", len(dirs), failures)
	if failures > 0 {
		return fmt.Errorf("%d plugin(s) failed validation", failures)
	}
	return nil
}
