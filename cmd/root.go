// Package cmd is the cobra-based CLI surface for sregym (SPEC_FULL.md §6,
// "ambient" CLI surface) — explicitly external to the core harness, which
// exposes only init_problem/submit/start_problem/registry-listing as plain
// functions. Grounded on giantswarm-muster's cmd/root.go: a package-level
// rootCmd, named exit-code constants, SilenceUsage, subcommands registered
// from each file's own init().
package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec.md §6: 0 on completed grading (success or not), 1 on
// unrecoverable setup error, 130 on SIGINT after recovery completes.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	ExitCodeSIGINT  = 130
)

// errInterrupted is returned by a RunE when the Crash-Safety Layer's guard
// fired before the command's own work finished, so Execute can map it to
// ExitCodeSIGINT instead of the generic error code.
var errInterrupted = errors.New("interrupted by signal")

var configPath string

var rootCmd = &cobra.Command{
	Use:          "sregym",
	Short:        "SRE-agent evaluation harness",
	Long:         `sregym conducts staged fault-injection evaluations of SRE agents against a Kubernetes cluster.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnv("SREGYM_CONFIG", "./config/sregym.yaml"), "path to the sregym config file")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Execute is called from main(). It maps errInterrupted to the SIGINT exit
// code and any other error to the general error code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if errors.Is(err, errInterrupted) {
		return ExitCodeSIGINT
	}
	return ExitCodeError
}
