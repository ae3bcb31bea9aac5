package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kwang1012/sregym/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run <problem-id>",
	Short: "Run one problem session locally: init, start, then grade solutions read from stdin line by line",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	problemID := args[0]

	h, err := buildHarness(ctx, defaultAppCatalogue(), defaultInjectorCatalogue())
	if err != nil {
		return err
	}
	defer h.Close()

	done := make(chan error, 1)
	go func() {
		done <- driveSession(ctx, h, problemID, cmd)
	}()

	select {
	case <-h.guard.Done():
		return errInterrupted
	case err := <-done:
		return err
	}
}

func driveSession(ctx context.Context, h *harness, problemID string, cmd *cobra.Command) error {
	if _, err := h.conductor.InitProblem(ctx, problemID); err != nil {
		return fmt.Errorf("init_problem: %w", err)
	}
	sess, err := h.conductor.StartProblem(ctx)
	if err != nil {
		return fmt.Errorf("start_problem: %w", err)
	}
	printSession(cmd, sess)
	if sess.Stage == models.StageDone {
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		literal := scanner.Text()
		sess, err := h.conductor.Submit(ctx, wrapSubmission(literal))
		if err != nil {
			cmd.PrintErrln("submit error:", err)
			continue
		}
		printSession(cmd, sess)
		if sess.Stage == models.StageDone {
			return nil
		}
	}
	return scanner.Err()
}

func printSession(cmd *cobra.Command, sess *models.Session) {
	out, _ := json.Marshal(sess)
	cmd.Println(string(out))
}

func wrapSubmission(raw string) string {
	return "```\nsubmit(" + raw + ")\n```"
}
