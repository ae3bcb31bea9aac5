// Package launcher implements the Agent Launcher (spec.md §4.6): starts the
// agent under test either as a host subprocess or inside a container
// isolation image, and tears it down idempotently.
//
// Subprocess mode is grounded on the teacher's pkg/mcp/transport.go
// (exec.Command + inherited-environment-plus-overrides construction);
// graceful-then-forced teardown is grounded on pkg/cleanup/service.go's
// cancel-then-wait-on-done-channel shape, generalized from a background
// goroutine to an external OS process (SIGTERM then SIGKILL instead of
// context cancellation).
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// GracePeriod bounds how long cleanup waits for graceful termination before
// force-killing (spec.md §4.6 "bounded timeout").
const GracePeriod = 10 * time.Second

// Spec describes one agent launch request.
type Spec struct {
	Command      string
	Args         []string
	Workdir      string
	Env          map[string]string
	InstallScript string
	Version      string

	// Mode selects the launch path; KubeconfigPath applies to both modes.
	// Image, LogDir and ForwardedEnvKeys are used in container mode only.
	Mode             Mode
	Image            string
	KubeconfigPath   string
	LogDir           string
	ForwardedEnvKeys []string // credential env vars forwarded from the host
}

// Mode selects subprocess vs container isolation.
type Mode string

const (
	ModeSubprocess Mode = "subprocess"
	ModeContainer  Mode = "container"
)

// Handle tracks one launched agent so Cleanup can be idempotent.
type Handle struct {
	mu            sync.Mutex
	mode          Mode
	cmd           *exec.Cmd
	containerName string
	cleaned       bool
	logger        *slog.Logger
}

// Launcher starts and tears down agent processes.
type Launcher struct {
	containerRuntime string // "docker" or "podman"
	logger           *slog.Logger
}

// New builds a Launcher. containerRuntime selects the CLI used for
// container-mode launches ("docker" or "podman"); ignored for subprocess
// launches.
func New(containerRuntime string) *Launcher {
	if containerRuntime == "" {
		containerRuntime = "docker"
	}
	return &Launcher{
		containerRuntime: containerRuntime,
		logger:           slog.With("component", "agent_launcher"),
	}
}

// Launch starts the agent per spec.Mode and returns a Handle recording its
// process (and, in container mode, container name) for later Cleanup.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	switch spec.Mode {
	case ModeContainer:
		return l.launchContainer(ctx, spec)
	default:
		return l.launchSubprocess(ctx, spec)
	}
}

func (l *Launcher) launchSubprocess(ctx context.Context, spec Spec) (*Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if spec.KubeconfigPath != "" {
		env = append(env, "KUBECONFIG="+spec.KubeconfigPath)
	}
	cmd.Env = env

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent subprocess: %w", err)
	}

	h := &Handle{mode: ModeSubprocess, cmd: cmd, logger: l.logger}
	streamToLog(l.logger, "stdout", stdout)
	streamToLog(l.logger, "stderr", stderr)

	return h, nil
}

func streamToLog(logger *slog.Logger, stream string, r io.Reader) {
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Info("agent output", "stream", stream, "line", scanner.Text())
		}
	}()
}

// launchContainer runs the agent inside an isolation image, composing the
// install/driver pipeline spec.md §4.6 names: install, then (if it
// succeeded) the driver, both teed to per-stream log files under LogDir.
func (l *Launcher) launchContainer(ctx context.Context, spec Spec) (*Handle, error) {
	name := fmt.Sprintf("sregym-agent-%d", time.Now().UnixNano())
	args := buildContainerArgs(name, spec, runtime.GOOS)

	cmd := exec.CommandContext(ctx, l.containerRuntime, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach container stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach container stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent container: %w", err)
	}

	h := &Handle{mode: ModeContainer, cmd: cmd, containerName: name, logger: l.logger}
	streamToLog(l.logger, "stdout", stdout)
	streamToLog(l.logger, "stderr", stderr)

	return h, nil
}

// dockerHostDNSName is Docker Desktop's magic DNS name for the host gateway,
// used in place of real host networking on macOS (spec.md §4.6).
const dockerHostDNSName = "host.docker.internal"

// buildContainerArgs composes the `docker run` argument list for one agent
// launch: install/driver script, volume mounts, network mode, and forwarded
// env. Split out from launchContainer so it's testable without a container
// runtime, grounded on the original implementation's own separate
// _build_base_docker_args/_build_env_flags helpers.
func buildContainerArgs(name string, spec Spec, goos string) []string {
	script := fmt.Sprintf("%s 2>&1 | tee /logs/driver.log", spec.Command)
	if spec.InstallScript != "" {
		script = fmt.Sprintf(
			"%s 2>&1 | tee /logs/install.log ; test ${PIPESTATUS[0]} -eq 0 || exit 1 ; %s 2>&1 | tee /logs/driver.log",
			spec.InstallScript, spec.Command,
		)
	}

	args := []string{
		"run", "--name", name, "--rm",
		"-v", fmt.Sprintf("%s:/kubeconfig:ro", spec.KubeconfigPath),
		"-v", fmt.Sprintf("%s:/logs", spec.LogDir),
	}

	// --network host is silently ignored on macOS Docker Desktop, so the
	// container can't reach the proxy on the host loopback. Fall back to
	// bridge networking plus a DNS alias routing the API hostname to the
	// host gateway (spec.md §4.6).
	if goos == "darwin" {
		args = append(args, DNSAliasForHostNetwork(dockerHostDNSName)...)
		args = append(args, "-e", fmt.Sprintf("API_HOSTNAME=%s", dockerHostDNSName))
	} else {
		args = append(args, "--network", "host")
	}

	for _, key := range spec.ForwardedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			args = append(args, "-e", fmt.Sprintf("%s=%s", key, v))
		}
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, "-e", "KUBECONFIG=/kubeconfig")
	args = append(args, spec.Image, "bash", "-c", script)
	return args
}

// Cleanup tears the agent down: SIGTERM then, after GracePeriod, SIGKILL for
// subprocess mode; docker/podman stop-then-rm for container mode. Idempotent
// (spec.md §4.6).
func (l *Launcher) Cleanup(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cleaned {
		return nil
	}
	h.cleaned = true

	if h.mode == ModeContainer {
		return l.cleanupContainer(ctx, h)
	}
	return cleanupSubprocess(h)
}

func cleanupSubprocess(h *Handle) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	pgid := -h.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(GracePeriod):
		h.logger.Warn("agent did not exit gracefully, force killing", "pid", h.cmd.Process.Pid)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-done
		return nil
	}
}

func (l *Launcher) cleanupContainer(ctx context.Context, h *Handle) error {
	stopCtx, cancel := context.WithTimeout(ctx, GracePeriod)
	defer cancel()
	if err := exec.CommandContext(stopCtx, l.containerRuntime, "stop", h.containerName).Run(); err != nil {
		l.logger.Warn("container stop failed (continuing to rm)", "container", h.containerName, "error", err)
	}
	if err := exec.Command(l.containerRuntime, "rm", "-f", h.containerName).Run(); err != nil {
		l.logger.Warn("container rm failed", "container", h.containerName, "error", err)
	}
	return nil
}

// WriteAgentKubeconfig writes a minimal kubeconfig pointing at the filtering
// proxy's loopback address, with TLS verification disabled and no bearer
// token — the proxy itself authenticates upstream (spec.md §4.5/§4.6, R2).
func WriteAgentKubeconfig(path, proxyAddr string) error {
	const tpl = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: http://%s
    insecure-skip-tls-verify: true
  name: sregym-proxy
contexts:
- context:
    cluster: sregym-proxy
    user: sregym-agent
  name: sregym-proxy
current-context: sregym-proxy
users:
- name: sregym-agent
  user: {}
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create kubeconfig dir: %w", err)
	}
	content := fmt.Sprintf(tpl, proxyAddr)
	return os.WriteFile(path, []byte(content), 0o600)
}

// DNSAliasForHostNetwork injects a DNS alias routing apiHostname back to the
// host loopback, required on macOS where host-network mode is a no-op
// (spec.md §4.6). Returns the extra `--add-host` style args for the caller's
// container runtime invocation.
func DNSAliasForHostNetwork(apiHostname string) []string {
	return []string{"--add-host", apiHostname + ":host-gateway"}
}
