package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mausys/gclient/config"
)

func init() {
	RootCommand.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := os.Stdout.Write(config.Schema())
			return err
		},
	})
}
