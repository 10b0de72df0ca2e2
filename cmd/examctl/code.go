package main

import (
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/cryptobox"
)

func newCodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Generate or check six-digit session codes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a new random session code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := cryptobox.GenerateCode()
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", code)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <code>",
		Short: "Check that a session code is well formed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cryptobox.ValidateCode(args[0]); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "ok\n")
			return nil
		},
	})
	return cmd
}
