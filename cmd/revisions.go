package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/revision"
)

func init() {
	var (
		root string
		log  logFlags
	)

	revisions := &cobra.Command{
		Use:   "revisions [flags] <spec>...",
		Short: "Print the revision pins parsed from revision specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := log.logger(cmd.Flags(), env, &config.Root{})
			if err != nil {
				return err
			}

			m, err := revision.Parse(args, root, logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
	revisions.Flags().StringVar(&root, "root", "src", "name of the first solution, which unprefixed revisions pin")
	addLogFlags(revisions.Flags(), &log)

	RootCommand.AddCommand(revisions)
}
