package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	r, err := New(nil)
	require.NoError(t, err)

	assert.True(t, r.IsEnabled("audit_chain"))
	assert.True(t, r.IsEnabled("auto_classify"))
	assert.Equal(t, ModeShadow, r.GetMode("auto_classify"))
	assert.False(t, r.Enforced("auto_classify"))

	// Unknown flags default to enabled, not enforced.
	assert.True(t, r.IsEnabled("not_a_flag"))
	assert.False(t, r.Enforced("not_a_flag"))
}

func TestConfigFileOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(".converge", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(".converge", "flags.json"), []byte(`{
		"audit_chain": false,
		"auto_classify": {"enabled": true, "mode": "enforce"},
		"unknown_flag": true
	}`), 0o644))

	r, err := New(nil)
	require.NoError(t, err)

	assert.False(t, r.IsEnabled("audit_chain"))
	assert.True(t, r.Enforced("auto_classify"))
	// Config cannot define flags the registry does not know.
	states := r.List()
	for _, s := range states {
		assert.NotEqual(t, "unknown_flag", s.Name)
	}
}

func TestMalformedConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("flags.json", []byte(`{"audit_chain": [`), 0o644))
	_, err := New(nil)
	assert.Error(t, err)
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("flags.json", []byte(`{"review_tasks": false}`), 0o644))
	t.Setenv("CONVERGE_FF_REVIEW_TASKS", "on")
	t.Setenv("CONVERGE_FF_AUTO_CLASSIFY_MODE", "enforce")

	r, err := New(nil)
	require.NoError(t, err)

	assert.True(t, r.IsEnabled("review_tasks"))
	assert.Equal(t, ModeEnforce, r.GetMode("auto_classify"))
}

func TestSet(t *testing.T) {
	t.Chdir(t.TempDir())
	var gotName string
	var gotEnabled bool
	var gotMode Mode
	r, err := New(func(name string, enabled bool, mode Mode) {
		gotName, gotEnabled, gotMode = name, enabled, mode
	})
	require.NoError(t, err)

	off := false
	enforce := ModeEnforce
	state, err := r.Set("intake_control", &off, &enforce)
	require.NoError(t, err)

	assert.False(t, state.Enabled)
	assert.Equal(t, ModeEnforce, state.Mode)
	assert.Equal(t, "api", state.Source)
	assert.Equal(t, "intake_control", gotName)
	assert.False(t, gotEnabled)
	assert.Equal(t, ModeEnforce, gotMode)

	_, err = r.Set("nope", &off, nil)
	assert.Error(t, err)
}

func TestListSorted(t *testing.T) {
	t.Chdir(t.TempDir())
	r, err := New(nil)
	require.NoError(t, err)
	states := r.List()
	require.NotEmpty(t, states)
	for i := 1; i < len(states); i++ {
		assert.Less(t, states[i-1].Name, states[i].Name)
	}
}
