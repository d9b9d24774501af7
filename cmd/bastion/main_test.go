package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bastion/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvConfigPath, config.EnvLogLevel, config.EnvSnapshotDSN, config.EnvOTLPEndpoint, "NOTIFY_SOCKET",
	} {
		t.Setenv(key, "")
	}
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"bastion"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, dir string, restore bool) string {
	t.Helper()
	body := fmt.Sprintf(`log:
  level: warn
snapshot:
  dsn: sqlite://%s
  key: test/host
  save_on_exit: true
  restore_on_start: %t
tenants:
  - id: hud
    namespace: apps.hud
    grants:
      - kind: CreateEntities
        max: 100
  - id: chat
    namespace: apps.chat
    restart: transient
`, filepath.Join(dir, "snapshots.db"), restore)
	path := filepath.Join(dir, "bastion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_Dispatch(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		code   int
		stdout string
		stderr string
	}{
		{"no command", nil, 2, "", "USAGE"},
		{"help", []string{"help"}, 0, "COMMANDS", ""},
		{"version", []string{"version"}, 0, "bastion dev", ""},
		{"unknown", []string{"launch"}, 2, "", "Unknown command: launch"},
		{"snapshot without subcommand", []string{"snapshot"}, 2, "", "Usage: bastion snapshot inspect"},
		{"bad flag", []string{"run", "--no-such-flag"}, 2, "", ""},
		{"bad interval", []string{"run", "--frame-interval", "0s"}, 2, "", "--frame-interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			code, stdout, stderr := run(tt.args...)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, stdout, tt.stdout)
			assert.Contains(t, stderr, tt.stderr)
		})
	}
}

func TestConfigCmd(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), false)

	code, stdout, stderr := run("config", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "namespace: apps.hud")

	code, stdout, stderr = run("config", "-c", path, "--json")
	require.Equal(t, 0, code, stderr)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(stdout), &cfg))
	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, "test/host", cfg.Snapshot.Key)

	code, _, stderr = run("config", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "load config")
}

func inspect(t *testing.T, args ...string) inspectReport {
	t.Helper()
	code, stdout, stderr := run(append([]string{"snapshot", "inspect", "--json"}, args...)...)
	require.Equal(t, 0, code, stderr)
	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	return report
}

func TestRunSaveInspectRestore(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, false)

	code, stdout, stderr := run("run", "-c", path, "--frames", "3", "--frame-interval", "1ms")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "stopped cleanly")

	report := inspect(t, "-c", path)
	assert.Equal(t, uint64(3), report.Frame)
	assert.Equal(t, []string{"chat", "hud"}, report.Tenants)
	assert.Equal(t, 1, report.Grants)
	assert.Equal(t, 2, report.SandboxCount)
	assert.Equal(t, 2, report.Supervisors)
	assert.Regexp(t, `^sha256:`, report.Digest)

	path = writeConfig(t, dir, true)
	code, _, stderr = run("run", "-c", path, "--frames", "2", "--frame-interval", "1ms")
	require.Equal(t, 0, code, stderr)

	again := inspect(t, "--dsn", "sqlite://"+filepath.Join(dir, "snapshots.db"), "--key", "test/host")
	assert.Equal(t, uint64(5), again.Frame, "restored run continues the frame count")
	assert.Equal(t, report.Tenants, again.Tenants)
	assert.NotEqual(t, report.ID, again.ID)
}

func TestSnapshotInspect_Rejects(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	code, _, stderr := run("snapshot", "inspect", "--file", filepath.Join(dir, "absent.json"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error")

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte(`{"format":"9.0.0","state":{}}`), 0o600))
	code, _, stderr = run("snapshot", "inspect", "--file", garbage)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "format")

	code, _, stderr = run("snapshot", "inspect", "--dsn", "sqlite://"+filepath.Join(dir, "empty.db"), "--key", "none")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")

	code, _, stderr = run("snapshot", "inspect")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no snapshot store")
}
