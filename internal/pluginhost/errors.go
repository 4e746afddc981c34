package pluginhost

import (
	"errors"
	"fmt"
)

var (
	// ErrPluginNotFound is returned when an operation names a plugin id
	// that is not registered.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrConsentRejected is returned when the user declines a plugin's
	// permission request during a fresh install.
	ErrConsentRejected = errors.New("consent rejected")

	// ErrPluginDisabled is returned when an operation targets a plugin
	// that is administratively disabled.
	ErrPluginDisabled = errors.New("plugin disabled")
)

// ValidationError reports a malformed manifest or an invalid request
// field. Validation failures are terminal for the affected plugin but
// never abort a batch load.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DuplicateIDError reports an attempt to register a plugin id that is
// already registered.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("plugin id %q is already registered", e.ID)
}

// SandboxDeniedError reports that the isolation layer refused to admit a
// plugin. A denial is a hard stop for that plugin.
type SandboxDeniedError struct {
	PluginID string
	Reason   string
}

func (e *SandboxDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("sandbox denied plugin %s", e.PluginID)
	}
	return fmt.Sprintf("sandbox denied plugin %s: %s", e.PluginID, e.Reason)
}

// RollbackError reports the unrecoverable reload case: the replacement
// failed and the previous instance could not be restored either. The
// plugin id is left unregistered.
type RollbackError struct {
	PluginID string
	Cause    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed for plugin %s: %v", e.PluginID, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether err is a manifest or request validation
// failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDuplicateID reports whether err is a duplicate registration.
func IsDuplicateID(err error) bool {
	var de *DuplicateIDError
	return errors.As(err, &de)
}
