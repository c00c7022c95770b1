package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/kadnode/config"
	"github.com/opd-ai/kadnode/dht"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCmdWithArgs returns the run command after parsing args, without
// executing it.
func runCmdWithArgs(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	root := newRootCmd()
	cmd, rest, err := root.Find(append([]string{"run"}, args...))
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(rest))
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(runCmdWithArgs(t))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kadnode.yaml")
	doc := "mode: passive\nlisten: 127.0.0.1:7000\ndiscovery:\n  seeds: [\"10.0.0.1:6347\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := loadConfig(runCmdWithArgs(t,
		"--config", path,
		"--mode", "passive-leaf",
		"--seed", "10.0.0.2:6347",
		"--seed", "10.0.0.3:6347",
		"--force-connect",
	))
	require.NoError(t, err)

	assert.Equal(t, dht.ModePassiveLeaf, cfg.Mode)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, []string{"10.0.0.2:6347", "10.0.0.3:6347"}, cfg.Discovery.Seeds)
	assert.True(t, cfg.ForceConnect)
}

func TestLoadConfigRejectsBadFlags(t *testing.T) {
	_, err := loadConfig(runCmdWithArgs(t, "--mode", "sideways"))
	assert.Error(t, err)

	_, err = loadConfig(runCmdWithArgs(t, "--listen", "nowhere"))
	assert.ErrorIs(t, err, config.ErrInvalidAddress)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "kadnode dev\n", out.String())
}
