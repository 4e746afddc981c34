package pluginhost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicySandboxAdmitsAllowedPermissions(t *testing.T) {
	sandbox := NewPolicySandbox(true, []string{"system:execute"}, createTestLogger())

	err := sandbox.EnforceIsolation(context.Background(), "clock", []string{"system:env", "filesystem:read"})
	assert.NoError(t, err)

	err = sandbox.EnforceIsolation(context.Background(), "clock", nil)
	assert.NoError(t, err)
}

func TestPolicySandboxDeniesBlockedPermission(t *testing.T) {
	sandbox := NewPolicySandbox(true, []string{"system:execute", "filesystem:write"}, createTestLogger())

	err := sandbox.EnforceIsolation(context.Background(), "rogue", []string{"system:env", "system:execute"})
	require.Error(t, err)

	var denied *SandboxDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "rogue", denied.PluginID)
	assert.Contains(t, denied.Reason, "system:execute")
}

func TestPolicySandboxDisabledAdmitsEverything(t *testing.T) {
	sandbox := NewPolicySandbox(false, []string{"system:execute"}, createTestLogger())

	err := sandbox.EnforceIsolation(context.Background(), "rogue", []string{"system:execute"})
	assert.NoError(t, err)
}
