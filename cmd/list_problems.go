package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kwang1012/sregym/pkg/config"
	"github.com/kwang1012/sregym/pkg/registry"
)

var listProblemsCmd = &cobra.Command{
	Use:   "list-problems",
	Short: "List every problem in the configured registry",
	RunE:  runListProblems,
}

func init() {
	rootCmd.AddCommand(listProblemsCmd)
}

func runListProblems(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg, err := registry.LoadProblemRegistry(cfg.Problems.Paths...)
	if err != nil {
		return err
	}

	problems := reg.GetAll()
	ids := make([]string, 0, len(problems))
	for id := range problems {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := problems[id]
		cmd.Println(fmt.Sprintf("%s\tapp=%s\tinjector=%s\ttargets=%v", id, p.AppRef, p.InjectorRef, p.FaultyTargets))
	}
	return nil
}
