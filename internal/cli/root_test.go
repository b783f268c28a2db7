package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AUTOSAVE_ROOT", "AUTOSAVE_ADDR", "AUTOSAVE_STORAGE", "AUTOSAVE_DSN",
		"AUTOSAVE_FLAG", "AUTOSAVE_DISABLED", "AUTOSAVE_LOCK_STRATEGY", "AUTOSAVE_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "autosave", cmd.Use)
	assert.Contains(t, cmd.Long, "snapshot history")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"history"},
		{"restore"},
		{"lease"},
		{"lease", "status"},
		{"lease", "sweep"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("root"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("storage"))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	docFlag := serveCmd.Flags().Lookup("document")
	require.NotNil(t, docFlag)
	assert.Equal(t, "d", docFlag.Shorthand)
	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
}

func TestRestoreCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	restoreCmd, _, err := cmd.Find([]string{"restore"})
	require.NoError(t, err)

	outputFlag := restoreCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
	assert.NotNil(t, restoreCmd.Flags().Lookup("at"))
}

func TestInvalidFormat(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--root", t.TempDir(), "--format", "xml", "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestUnknownStorageDriver(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--root", t.TempDir(), "--storage", "tape", "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestServeRequiresDocument(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--root", t.TempDir(), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--document")
}
