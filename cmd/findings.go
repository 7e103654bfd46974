package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/export"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Work with review findings",
}

var findingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a project's findings to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		project, _ := cmd.Flags().GetString("project")
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = fmt.Sprintf("findings-%s.xlsx", project)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		findings, err := st.ListFindings(ctx, project)
		if err != nil {
			return eris.Wrap(err, "findings export")
		}
		if len(findings) == 0 {
			fmt.Fprintln(os.Stderr, "No findings for project; writing an empty workbook.")
		}
		if err := export.SaveFindings(out, project, findings); err != nil {
			return err
		}
		zap.L().Info("findings exported",
			zap.String("project_id", project),
			zap.Int("findings", len(findings)),
			zap.String("file", out),
		)
		return nil
	},
}

func init() {
	findingsExportCmd.Flags().String("project", "", "project id (required)")
	findingsExportCmd.Flags().String("out", "", "output file (default findings-<project>.xlsx)")
	_ = findingsExportCmd.MarkFlagRequired("project")

	findingsCmd.AddCommand(findingsExportCmd)
	rootCmd.AddCommand(findingsCmd)
}
