package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
)

var shadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Inspect legacy-vs-new shadow diffs",
}

var shadowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent shadow diffs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		kind, _ := cmd.Flags().GetString("kind")
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")

		diffs, err := st.ListShadowDiffs(ctx, store.ShadowDiffFilter{Kind: kind, ProjectID: project, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "shadow list")
		}
		if len(diffs) == 0 {
			fmt.Fprintln(os.Stderr, "No shadow diffs found.")
			return nil
		}
		formatShadowDiffs(os.Stdout, diffs)
		return nil
	},
}

// formatShadowDiffs writes one row per diff with its summary flattened to
// sorted key=value pairs.
func formatShadowDiffs(out io.Writer, diffs []model.ShadowDiffRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tPROJECT\tENTITY\tCREATED\tSUMMARY")
	for _, d := range diffs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(d.ID),
			d.Kind,
			d.ProjectID,
			preview(d.EntityID, 40),
			d.CreatedAt.Format("2006-01-02 15:04:05"),
			summaryLine(d.DiffSummary),
		)
	}
	_ = w.Flush()
}

// summaryLine renders scalar summary values; lists are shown by length.
func summaryLine(summary map[string]any) string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := summary[k].(type) {
		case []any:
			parts = append(parts, fmt.Sprintf("%s=[%d]", k, len(v)))
		case []string:
			parts = append(parts, fmt.Sprintf("%s=[%d]", k, len(v)))
		case map[string]any:
			parts = append(parts, fmt.Sprintf("%s={%d}", k, len(v)))
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%.3g", k, v))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

func init() {
	shadowListCmd.Flags().String("kind", "", "filter by diff kind (retrieval, extract, rules)")
	shadowListCmd.Flags().String("project", "", "filter by project id")
	shadowListCmd.Flags().Int("limit", 50, "max number of diffs to display")

	shadowCmd.AddCommand(shadowListCmd)
	rootCmd.AddCommand(shadowCmd)
}
