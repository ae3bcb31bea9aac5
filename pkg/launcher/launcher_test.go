package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchSubprocess_CleanupIsIdempotent(t *testing.T) {
	l := New("docker")
	ctx := context.Background()

	h, err := l.Launch(ctx, Spec{
		Mode:    ModeSubprocess,
		Command: "sleep",
		Args:    []string{"5"},
	})
	require.NoError(t, err)

	require.NoError(t, l.Cleanup(ctx, h))
	require.NoError(t, l.Cleanup(ctx, h))
}

func TestLaunchSubprocess_ForceKillsAfterGracePeriod(t *testing.T) {
	l := New("docker")
	ctx := context.Background()

	// A process that ignores SIGTERM (trap it and sleep) to exercise the
	// force-kill path within GracePeriod plus a margin.
	h, err := l.Launch(ctx, Spec{
		Mode:    ModeSubprocess,
		Command: "bash",
		Args:    []string{"-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Cleanup(ctx, h) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(GracePeriod + 5*time.Second):
		t.Fatal("cleanup did not force-kill within expected bound")
	}
}

func TestWriteAgentKubeconfig_WritesInsecureProxyConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kubeconfig")

	require.NoError(t, WriteAgentKubeconfig(path, "127.0.0.1:8443"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "insecure-skip-tls-verify: true")
	assert.Contains(t, string(data), "127.0.0.1:8443")
	assert.NotContains(t, string(data), "token:")
}

func TestDNSAliasForHostNetwork(t *testing.T) {
	args := DNSAliasForHostNetwork("api.cluster.local")
	assert.Equal(t, []string{"--add-host", "api.cluster.local:host-gateway"}, args)
}

func TestBuildContainerArgs_LinuxUsesHostNetwork(t *testing.T) {
	args := buildContainerArgs("sregym-agent-1", Spec{
		Command:        "python agent.py",
		KubeconfigPath: "/tmp/kubeconfig",
		LogDir:         "/tmp/logs",
		Image:          "sregym-agent-base:latest",
	}, "linux")

	assert.Contains(t, args, "--network")
	idx := indexOf(args, "--network")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "host", args[idx+1])
	assert.NotContains(t, args, "--add-host")
}

func TestBuildContainerArgs_DarwinAddsDNSAliasInsteadOfHostNetwork(t *testing.T) {
	args := buildContainerArgs("sregym-agent-1", Spec{
		Command:        "python agent.py",
		KubeconfigPath: "/tmp/kubeconfig",
		LogDir:         "/tmp/logs",
		Image:          "sregym-agent-base:latest",
	}, "darwin")

	assert.NotContains(t, args, "--network")
	idx := indexOf(args, "--add-host")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "host.docker.internal:host-gateway", args[idx+1])
	assert.Contains(t, args, "API_HOSTNAME=host.docker.internal")
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
