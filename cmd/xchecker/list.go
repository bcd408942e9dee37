package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/githubnext/xchecker/pkg/receipt"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

func newListCmd() *cobra.Command {
	var phaseFilter string

	cmd := &cobra.Command{
		Use:   "list <spec-id>",
		Short: "List receipts for a spec, sorted by emission time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specID := args[0]
			home, _ := cmd.Flags().GetString("home")

			paths, err := xcpaths.Discover(home)
			if err != nil {
				return err
			}

			store := receipt.NewStore(paths)
			receipts, err := store.List(specID, phaseFilter)
			if err != nil {
				return err
			}

			for _, r := range receipts {
				status := color.GreenString("ok")
				if r.ExitCode != 0 {
					status = color.RedString("exit=%d kind=%s", r.ExitCode, r.ErrorKind)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %s\n", r.EmittedAt, r.Phase, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&phaseFilter, "phase", "", "filter to one phase")
	return cmd
}
