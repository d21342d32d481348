package main

import (
	"fmt"

	"github.com/openmined/cryptosync/internal/engine"
	"github.com/openmined/cryptosync/internal/syncer"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMirrorCmd(syncer.Encrypt, "encrypt", "Encrypt the watch folder into the target folder once and exit"))
	rootCmd.AddCommand(newMirrorCmd(syncer.Decrypt, "decrypt", "Decrypt the target folder into the watch folder once and exit"))
}

func newMirrorCmd(d syncer.Direction, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			e, err := engine.New(cfg)
			if err != nil {
				return err
			}

			n, err := e.Mirror(cmd.Context(), d)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", red("some files failed:"), err)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d files\n", green(d.String()+"ed"), n)
			return err
		},
	}
}
