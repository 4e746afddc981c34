package pluginhost

import (
	"context"
	"fmt"

	"github.com/skydeck-app/skydeck/internal/events"
)

// Reload replaces a running plugin with the current on-disk content.
//
// Reloads on the same id are serialized; different ids proceed
// concurrently. When the recomputed fingerprint matches the registered
// one and the request names no changed files, the reload is a benign
// no-op. The replacement is fully admitted (compatibility, sandbox,
// start, adapt) while the previous instance is still registered and
// serving; only then are the two swapped, so readers never observe the
// id absent. A failure before the swap leaves the previous instance
// untouched, a failed swap restores it, and only a failed restore
// leaves the id unregistered, reported as RollbackError.
//
// A non-nil result always accompanies a non-nil error so callers can
// distinguish a failed-but-rolled-back reload (RolledBack true) from
// the unrecoverable case.
func (l *Loader) Reload(ctx context.Context, req HotReloadRequest) (*HotReloadResult, error) {
	if err := ValidatePluginID(req.PluginID); err != nil {
		return nil, err
	}
	pluginID := req.PluginID

	lock := l.pluginLock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	previous, registered := l.registry.Entry(pluginID)
	if !registered {
		return nil, ErrPluginNotFound
	}
	dir := previous.SourceDir

	result := &HotReloadResult{PluginID: pluginID}

	fingerprint, err := l.scanner.ScanDir(dir)
	if err != nil {
		// Nothing was touched; the previous instance is still active.
		result.RolledBack = true
		result.Message = "fingerprint scan failed"
		l.countReload(ResultFailed)
		return result, err
	}

	if fingerprint == previous.LastFingerprint && len(req.ChangedFiles) == 0 {
		result.Message = "content unchanged, reload skipped"
		l.countReload(ResultNoOp)
		l.logger.Debug("reload is a no-op", "plugin_id", pluginID, "fingerprint", fingerprint)
		return result, nil
	}

	manifest, err := l.parser.ParseDir(dir)
	if err != nil {
		result.RolledBack = true
		result.Message = "manifest validation failed"
		l.countReload(ResultFailed)
		return result, err
	}
	if manifest.ID != pluginID {
		result.RolledBack = true
		result.Message = "manifest id changed"
		l.countReload(ResultFailed)
		return result, &ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("manifest now declares %q, expected %q", manifest.ID, pluginID),
		}
	}

	l.setState(pluginID, StateReloading)
	l.logger.Info("reloading plugin", "plugin_id", pluginID, "reason", req.Reason)

	// The previous instance keeps serving while the replacement runs
	// the admission gates; the registry is not touched until the new
	// instance is ready to take over.
	status := l.gate.Evaluate(ctx, manifest.Compat)
	if !status.Compatible {
		if l.metrics != nil {
			l.metrics.CompatRejectionsTotal.Inc()
		}
		return l.reloadAborted(result, StageCompat, fmt.Errorf("incompatible: %s", status.Reason))
	}
	for _, warning := range status.Warnings {
		l.logger.Warn("compatibility warning", "plugin_id", pluginID, "warning", warning)
	}

	// Consent is deliberately not re-checked: a reload is not a fresh
	// install.

	if err := l.sandbox.EnforceIsolation(ctx, pluginID, manifest.Permissions); err != nil {
		return l.reloadAborted(result, StageSandbox, err)
	}

	adapted, stage, err := l.startAndAdapt(ctx, manifest, dir)
	if err != nil {
		return l.reloadAborted(result, stage, err)
	}

	// Swap the entries back-to-back so the id is never observed
	// unregistered.
	l.registry.Unregister(pluginID)
	if err := l.registry.Register(adapted, dir, fingerprint); err != nil {
		adapted.Stop()
		return l.rollback(previous, result, StageRegister, err)
	}

	// New instance is live; the old one can go.
	stopPlugin(previous.Plugin, l.logger)

	l.setState(pluginID, StateRegistered)
	l.countReload(ResultLoaded)
	l.upsertRecord(manifest, dir, fingerprint, StatusEnabled)
	l.publish(events.EventPluginReloaded, pluginID, "Plugin reloaded",
		fmt.Sprintf("%s %s was reloaded", manifest.Name, manifest.Version),
		map[string]interface{}{"fingerprint": fingerprint, "reason": req.Reason})

	result.Reloaded = true
	result.Message = "reloaded"
	l.logger.Info("plugin reloaded", "plugin_id", pluginID, "version", manifest.Version)
	return result, nil
}

// rollback restores the previous instance after a failed swap step.
// Restore failure is the one unrecoverable outcome: the id ends up
// unregistered and the caller receives a RollbackError.
func (l *Loader) rollback(previous RegistryEntry, result *HotReloadResult, stage string, cause error) (*HotReloadResult, error) {
	pluginID := result.PluginID

	if err := l.registry.restore(previous); err != nil {
		l.setState(pluginID, StateFailed)
		l.countReload(ResultFailed)
		if l.metrics != nil {
			l.metrics.RollbackFailuresTotal.Inc()
		}
		l.gaugeActive()
		l.setRecordError(pluginID, fmt.Sprintf("rollback failed: %v", err))
		l.publish(events.EventPluginRollbackFailed, pluginID, "Plugin rollback failed",
			fmt.Sprintf("reload failed at %s and the previous instance could not be restored", stage),
			map[string]interface{}{"stage": stage, "cause": cause.Error()})

		result.Message = fmt.Sprintf("reload failed at %s stage and rollback failed", stage)
		l.logger.Error("plugin rollback failed",
			"plugin_id", pluginID, "stage", stage, "cause", cause, "restore_error", err)
		return result, &RollbackError{PluginID: pluginID, Cause: err}
	}

	return l.reloadAborted(result, stage, cause)
}

// reloadAborted reports a failed reload whose previous instance is
// still registered and serving.
func (l *Loader) reloadAborted(result *HotReloadResult, stage string, cause error) (*HotReloadResult, error) {
	pluginID := result.PluginID

	l.setState(pluginID, StateRegistered)
	l.countReload(ResultRolledBack)
	l.publish(events.EventPluginReloadRolledBack, pluginID, "Plugin reload rolled back",
		fmt.Sprintf("reload failed at %s stage, previous instance still active", stage),
		map[string]interface{}{"stage": stage, "cause": cause.Error()})

	result.RolledBack = true
	result.Message = fmt.Sprintf("reload failed at %s stage, previous instance still active", stage)
	l.logger.Warn("plugin reload rolled back",
		"plugin_id", pluginID, "stage", stage, "cause", cause)
	return result, cause
}
