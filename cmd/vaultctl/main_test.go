package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/auth"
	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/models"
)

const testJWTSecret = "vaultctl-test-jwt-secret"

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := `
encryption:
  secret: vaultctl-test-secret
auth:
  jwt_secret: ` + testJWTSecret + `
  issuer: chunkvault-test
database:
  driver: bolt
  bolt_path: ` + filepath.Join(dir, "meta.db") + `
backends:
  - label: drive-one
    drive_number: 1
    provider: memory
  - label: drive-two
    drive_number: 2
    provider: memory
    storage_limit: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"version", "migrate", "accounts", "token", "sweep", "bench"} {
		assert.Contains(t, names, want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestTokenCmd(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "--config", path, "token", "owner-42", "--ttl", "5m")
	require.NoError(t, err)

	userID, err := auth.ParseToken(strings.TrimSpace(out), "chunkvault-test", []byte(testJWTSecret))
	require.NoError(t, err)
	assert.Equal(t, "owner-42", userID)
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	path := writeTestConfig(t)
	_, err := execute(t, "--config", path, "token")
	assert.Error(t, err)
}

func TestAccountsImportAndList(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "--config", path, "accounts", "import")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered drive-one")
	assert.Contains(t, out, "Registered drive-two")

	out, err = execute(t, "--config", path, "accounts", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "QUARANTINE")
	assert.Contains(t, lines[1], "drive-one")
	assert.Contains(t, lines[1], "15.0 GiB")
	assert.Contains(t, lines[2], "drive-two")
	assert.Contains(t, lines[2], "1.0 MiB")

	out, err = execute(t, "--config", path, "accounts", "check")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "ok"))
}

func TestAccountsDisable(t *testing.T) {
	path := writeTestConfig(t)
	_, err := execute(t, "--config", path, "accounts", "import")
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "accounts", "list")
	require.NoError(t, err)
	id := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])[1]

	out, err = execute(t, "--config", path, "accounts", "disable", id)
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")

	out, err = execute(t, "--config", path, "accounts", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped (inactive)")

	_, err = execute(t, "--config", path, "accounts", "enable", "no-such-account")
	assert.Error(t, err)
}

func TestCheckAccounts_ReportsFailures(t *testing.T) {
	factory := backend.NewClientFactory()
	healthy := &models.BackendAccount{ID: "a1", Label: "one", IsActive: true, Credentials: models.Credentials{Provider: backend.ProviderMemory}}
	broken := &models.BackendAccount{ID: "a2", Label: "two", IsActive: true, Credentials: models.Credentials{Provider: backend.ProviderMemory}}
	down := backend.NewMemoryAdapter()
	down.SetUnavailable(true)
	factory.Register(broken, down)

	var out bytes.Buffer
	failed := checkAccounts(context.Background(), &out, factory, []*models.BackendAccount{healthy, broken}, time.Second)

	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "FAILED")
}

func TestSweepCmd_NothingStale(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "--config", path, "sweep", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "No stale uploads")
}

func TestMigrateCmd_Bolt(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to migrate")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{models.DefaultStorageLimit, "15.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}
