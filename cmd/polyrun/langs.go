package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var langsCmd = &cobra.Command{
	Use:   "langs",
	Short: "List the languages the server supports",
	Args:  cobra.NoArgs,
	RunE:  runLangs,
}

func init() {
	rootCmd.AddCommand(langsCmd)
}

func runLangs(cmd *cobra.Command, args []string) error {
	infos, err := newClient(cmd).Languages(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tMAIN\tCOMPILED\tREPL")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.Key, info.Name, info.Main, yesNo(info.Compiled), yesNo(info.HasRepl))
	}
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
