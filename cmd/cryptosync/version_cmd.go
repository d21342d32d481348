package main

import (
	"fmt"

	"github.com/openmined/cryptosync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the cryptosync version",
		Args:  cobra.NoArgs,
		// no config or log file is needed to print the version
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version.Detailed()
			if short {
				v = version.Short()
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cryptosync %s\n", v)
			return err
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version and revision")
	return cmd
}
