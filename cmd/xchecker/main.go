package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Build-time variable set by the release pipeline.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "xchecker",
	Short:   "Deterministic, auditable orchestration for spec-driven LLM pipelines",
	Version: version,
	Long: `xchecker drives a spec through Requirements -> Design -> Tasks -> Review ->
Fixup -> Final, producing content-addressed artifacts and a receipt for
every phase run.

Common tasks:
  xchecker run requirements demo      # run one phase for spec "demo"
  xchecker status demo                # show current state for a spec
  xchecker list demo                  # list receipts for a spec`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().String("home", "", "override the xchecker home directory (default: $XCHECKER_HOME or ./.xchecker)")
	rootCmd.PersistentFlags().String("config", "", "path to xchecker.toml (default: discovered from cwd upward)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable DEBUG-style namespaced logging")
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(exitCodeForMainError(err))
	}
}
