package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "massmailer", cmd.Use)
	assert.Contains(t, cmd.Long, "at most once")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"query", "check"},
		{"query", "preview"},
		{"query", "add"},
		{"query", "list"},
		{"template", "add"},
		{"template", "list"},
		{"template", "preview"},
		{"batch", "create"},
		{"batch", "dispatch"},
		{"batch", "list"},
		{"batch", "stats"},
		{"batch", "retry"},
		{"batch", "delete"},
		{"worker"},
		{"feedback"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "schema"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue, "%s falls back to the config file", name)
	}
}

func TestBatchCreateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	createCmd, _, err := cmd.Find([]string{"batch", "create"})
	require.NoError(t, err)

	for _, name := range []string{"template", "query", "name", "dispatch"} {
		require.NotNil(t, createCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "false", createCmd.Flags().Lookup("dispatch").DefValue)
}

func TestWorkerCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	workerCmd, _, err := cmd.Find([]string{"worker"})
	require.NoError(t, err)

	onceFlag := workerCmd.Flags().Lookup("once")
	require.NotNil(t, onceFlag)
	assert.Equal(t, "false", onceFlag.DefValue)

	dryRunFlag := workerCmd.Flags().Lookup("dry-run")
	require.NotNil(t, dryRunFlag)
	assert.Equal(t, "false", dryRunFlag.DefValue)

	require.NotNil(t, workerCmd.Flags().Lookup("workers"))
	require.NotNil(t, workerCmd.Flags().Lookup("metrics-addr"))
}

func TestPreviewCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"query", "preview"}, {"template", "preview"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		pageFlag := sub.Flags().Lookup("page")
		require.NotNil(t, pageFlag, "%v", path)
		assert.Equal(t, "1", pageFlag.DefValue)
	}
}

func TestFormatValidation(t *testing.T) {
	// Test valid formats
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	// Test invalid formats
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "query", "check", "User"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
