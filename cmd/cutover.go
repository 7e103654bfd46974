package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/cutover"
)

var cutoverCmd = &cobra.Command{
	Use:   "cutover",
	Short: "Inspect cutover modes",
}

var cutoverResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the mode a capability resolves to for a project",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, _ := cmd.Flags().GetString("capability")
		project, _ := cmd.Flags().GetString("project")

		c, err := cutover.FromSettings(cfg.Cutover)
		if err != nil {
			return err
		}

		if raw == "" {
			formatModes(os.Stdout, c, project)
			return nil
		}
		capability, err := cutover.ParseCapability(raw)
		if err != nil {
			return err
		}
		fmt.Println(c.Resolve(capability, project))
		return nil
	},
}

var cutoverShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print global modes and any conflicting overrides",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := cutover.FromSettings(cfg.Cutover)
		if err != nil {
			return err
		}
		formatModes(os.Stdout, c, "")
		for _, conflict := range c.Conflicts() {
			fmt.Fprintln(os.Stderr, "conflict:", conflict.String())
		}
		return nil
	},
}

// formatModes writes the resolved mode of every capability for project;
// an empty project shows the global modes.
func formatModes(out io.Writer, c *cutover.Config, project string) {
	caps := append([]cutover.Capability(nil), cutover.Capabilities...)
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CAPABILITY\tMODE")
	for _, capability := range caps {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", capability, c.Resolve(capability, project))
	}
	_ = w.Flush()
}

func init() {
	cutoverResolveCmd.Flags().String("capability", "", "capability (retrieval, ingest, extract, review, rules); empty lists all")
	cutoverResolveCmd.Flags().String("project", "", "project id")

	cutoverCmd.AddCommand(cutoverResolveCmd)
	cutoverCmd.AddCommand(cutoverShowCmd)
	rootCmd.AddCommand(cutoverCmd)
}
