package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Run one retrieval through the facade and print the observation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		project, _ := cmd.Flags().GetString("project")
		topK, _ := cmd.Flags().GetInt("top-k")
		docTypes, _ := cmd.Flags().GetStringSlice("doc-type")

		env, err := initEnv(ctx, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		chunks, obs, err := env.Facade.Retrieve(ctx, env.Cutover.Current(), retrieval.Query{
			Text:      strings.Join(args, " "),
			ProjectID: project,
			DocTypes:  docTypes,
			TopK:      topK,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		if err := enc.Encode(obs); err != nil {
			return err
		}
		formatChunks(os.Stdout, chunks)
		return nil
	},
}

// formatChunks writes one line per chunk with a text preview.
func formatChunks(out io.Writer, chunks []model.RetrievedChunk) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHUNK\tSCORE\tDOC_TYPE\tPAGE\tTEXT")
	for _, c := range chunks {
		page := "-"
		if c.Metadata.PageNo != nil {
			page = fmt.Sprint(*c.Metadata.PageNo)
		}
		_, _ = fmt.Fprintf(w, "%s\t%.4f\t%s\t%s\t%s\n", c.ChunkID, c.Score, c.Metadata.DocType, page, preview(c.Text, 60))
	}
	_ = w.Flush()
}

// preview flattens whitespace and truncates s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	retrieveCmd.Flags().String("project", "", "project id (required)")
	retrieveCmd.Flags().Int("top-k", 10, "number of chunks")
	retrieveCmd.Flags().StringSlice("doc-type", nil, "restrict to document types")
	_ = retrieveCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(retrieveCmd)
}
