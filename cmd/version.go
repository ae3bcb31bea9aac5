package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kwang1012/sregym/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sregym build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println(version.Full())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
