package main

import (
	"fmt"

	"github.com/openmined/cryptosync/internal/cryptor"
	"github.com/openmined/cryptosync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newKeygenCmd())
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <path>",
		Short: "Write a new random key file",
		Long:  "Write a new random key file. An existing file is never overwritten.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := utils.ResolvePath(args[0])
			if err != nil {
				return err
			}
			if err := utils.EnsureParent(path); err != nil {
				return err
			}
			if err := cryptor.GenerateKeyFile(path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("key written to"), path)
			return err
		},
	}
}
