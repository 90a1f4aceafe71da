package satcli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/orchestrator"
	"github.com/MrWong99/dawn/internal/orchestrator/mock"
	"github.com/MrWong99/dawn/internal/server"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/dap2"
	"github.com/MrWong99/dawn/pkg/satellite"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))

	root := NewRootCmd("1.2.3")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func startDaemon(t *testing.T, chunks []orchestrator.Chunk) string {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	sessions := session.NewManager(session.ManagerConfig{Metrics: m})
	srv := server.New(server.Config{}, sessions, &mock.Orchestrator{Chunks: chunks}, server.WithMetrics(m))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3\n", stdout)
}

func TestIdentityCreateThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.toml")

	stdout, _, err := executeCLI(t, "", "identity", "create", "--identity-file", path, "--name", "Kitchen", "--location", "kitchen")
	require.NoError(t, err)
	assert.Contains(t, stdout, "created "+path)
	assert.Contains(t, stdout, "name:        Kitchen")

	stored, err := satellite.LoadIdentity(path)
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, "", "identity", "show", "--identity-file", path, "--json")
	require.NoError(t, err)
	var shown dap2.Identity
	require.NoError(t, json.Unmarshal([]byte(stdout), &shown))
	assert.Equal(t, stored, shown)

	stdout, _, err = executeCLI(t, "", "identity", "create", "--identity-file", path, "--location", "pantry")
	require.NoError(t, err)
	assert.Contains(t, stdout, "updated "+path)
	assert.Contains(t, stdout, "uuid:        "+stored.UUID)
	assert.Contains(t, stdout, "location:    pantry")
}

func TestIdentityShowMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.toml")
	_, _, err := executeCLI(t, "", "identity", "show", "--identity-file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity create")
}

func TestIdentityShowHardwareAddr(t *testing.T) {
	want, err := satellite.HardwareIdentity("b8:27:eb:12:34:56", "", "")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, "", "identity", "show", "--hardware-addr", "b8:27:eb:12:34:56")
	require.NoError(t, err)
	assert.Contains(t, stdout, "uuid:        "+want.UUID)
	assert.Contains(t, stdout, "name:        satellite-b8:27:eb:12:34:56")

	_, _, err = executeCLI(t, "", "identity", "create", "--hardware-addr", "b8:27:eb:12:34:56")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not stored")
}

func TestSettingsPrecedence(t *testing.T) {
	dir := t.TempDir()
	identity := filepath.Join(dir, "identity.toml")
	config := filepath.Join(dir, "satellite.toml")
	content := "name = \"Hall\"\nlocation = \"hall\"\nidentity_file = \"" + filepath.ToSlash(identity) + "\"\n"
	require.NoError(t, os.WriteFile(config, []byte(content), 0o600))

	stdout, _, err := executeCLI(t, "", "identity", "create", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, stdout, "name:        Hall")
	assert.Contains(t, stdout, "location:    hall")

	t.Setenv("DAWN_LOCATION", "upstairs")
	stdout, _, err = executeCLI(t, "", "identity", "create", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, stdout, "location:    upstairs", "env overrides the config file")

	stdout, _, err = executeCLI(t, "", "identity", "create", "--config", config, "--location", "attic")
	require.NoError(t, err)
	assert.Contains(t, stdout, "location:    attic", "flags override env")
}

func TestInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "transport", args: []string{"identity", "show", "--transport", "udp"}, wantErr: "transport"},
		{name: "tier", args: []string{"identity", "show", "--tier", "half"}, wantErr: "tier"},
		{name: "log level", args: []string{"version", "--log-level", "loud"}, wantErr: "log_level"},
		{name: "missing config", args: []string{"version", "--config", "/nonexistent/satellite.toml"}, wantErr: "read config"},
		{name: "audio run", args: []string{"run", "--tier", "audio"}, wantErr: "full tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCLI(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunDegraded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.toml")
	stdout, _, err := executeCLI(t, "turn on the lights\n",
		"run", "--identity-file", path, "--daemon-addr", "127.0.0.1:1", "--connect-wait", "0s")
	require.NoError(t, err)
	assert.Contains(t, stdout, "dawn> "+satellite.DegradedReply)

	_, err = satellite.LoadIdentity(path)
	assert.NoError(t, err, "run creates the identity file")
}

func TestRunAgainstDaemon(t *testing.T) {
	addr := startDaemon(t, []orchestrator.Chunk{{Text: "I'll turn"}, {Text: " on the lights"}})
	path := filepath.Join(t.TempDir(), "identity.toml")

	stdin := "hey dawn, turn on the lights\nturn off the lights\n/quit\nnever read\n"
	stdout, _, err := executeCLI(t, stdin,
		"run", "--identity-file", path, "--daemon-addr", addr, "--wake-word", "hey dawn", "--name", "Kitchen")
	require.NoError(t, err)
	assert.Contains(t, stdout, "dawn> I'll turn on the lights\n")
	assert.Contains(t, stdout, `(say "hey dawn" first)`)
	assert.Equal(t, 1, strings.Count(stdout, "dawn> "), "only the wake-word query reaches the daemon")
}
