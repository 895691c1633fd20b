package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models [name]",
		Short: "List catalog models, or show one resolved profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := ctx.ensureComponents(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				p, err := comps.Catalog.Resolve(args[0], nil)
				if err != nil {
					return err
				}
				return writeJSON(cmd, p)
			}
			names, err := comps.Catalog.Names()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{"models": names})
			}
			for _, n := range names {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), n); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the list as JSON")
	return cmd
}
