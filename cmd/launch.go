package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kwang1012/sregym/pkg/launcher"
)

var (
	launchMode       string
	launchImage      string
	launchProxyAddr  string
	launchLogDir     string
	launchInstallCmd string
)

// launchCmd starts the agent and blocks until interrupted; Handle does not
// expose process-exit notification, so an agent that exits on its own is
// only reaped on the next SIGINT-triggered Cleanup, not detected live.
var launchCmd = &cobra.Command{
	Use:   "launch -- <agent-command> [args...]",
	Short: "Launch the agent under test, pointed at the API Filtering Proxy, and keep it running until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&launchMode, "mode", "subprocess", "subprocess or container")
	launchCmd.Flags().StringVar(&launchImage, "image", "", "container image (container mode only)")
	launchCmd.Flags().StringVar(&launchProxyAddr, "proxy-addr", "127.0.0.1:8090", "API Filtering Proxy address the agent's kubeconfig should target")
	launchCmd.Flags().StringVar(&launchLogDir, "log-dir", "", "directory for install/driver logs (container mode only)")
	launchCmd.Flags().StringVar(&launchInstallCmd, "install", "", "optional install script run before the agent command (container mode only)")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	kubeconfigPath := filepath.Join(os.TempDir(), "sregym-agent-kubeconfig.yaml")
	if err := launcher.WriteAgentKubeconfig(kubeconfigPath, launchProxyAddr); err != nil {
		return err
	}

	l := launcher.New("docker")
	spec := launcher.Spec{
		Command:          args[0],
		Args:             args[1:],
		Mode:             launcher.Mode(launchMode),
		Image:            launchImage,
		KubeconfigPath:   kubeconfigPath,
		LogDir:           launchLogDir,
		InstallScript:    launchInstallCmd,
		ForwardedEnvKeys: []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
	}

	handle, err := l.Launch(ctx, spec)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupted := false
	select {
	case <-sigCh:
		interrupted = true
	case <-ctx.Done():
	}

	cleanupCtx := cmd.Context()
	if err := l.Cleanup(cleanupCtx, handle); err != nil {
		cmd.PrintErrln("agent cleanup failed:", err)
	}

	if interrupted {
		return errInterrupted
	}
	return nil
}
