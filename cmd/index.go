package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval/hybrid"
	"github.com/sells-group/evidence-cli/internal/retrieval/legacy"
)

const maxChunkLine = 8 << 20

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the legacy and hybrid retrieval indexes",
}

var indexMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the legacy FTS5 table and the hybrid doc_chunks table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		idx, err := legacy.Open(ctx, cfg.LegacyIndex.Path)
		if err != nil {
			return err
		}
		defer idx.Close() //nolint:errcheck
		zap.L().Info("legacy index ready", zap.String("path", cfg.LegacyIndex.Path))

		return withHybrid(ctx, func(p *hybrid.Provider) error {
			if err := p.Migrate(ctx); err != nil {
				return err
			}
			zap.L().Info("hybrid index ready")
			return nil
		})
	},
}

var indexLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load chunks from a JSON-lines file into an index",
	Long: "Each line is one chunk: chunk_id, project_id, document_id, doc_version_id, version_no, doc_type, " +
		"page_no, text and, for the hybrid index, an optional embedding.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		target, _ := cmd.Flags().GetString("target")
		path, _ := cmd.Flags().GetString("file")

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck

		chunks, err := readChunks(f)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}

		var n int
		switch target {
		case "legacy":
			idx, err := legacy.Open(ctx, cfg.LegacyIndex.Path)
			if err != nil {
				return err
			}
			defer idx.Close() //nolint:errcheck
			if n, err = idx.Index(ctx, chunks); err != nil {
				return err
			}
		case "hybrid":
			err = withHybrid(ctx, func(p *hybrid.Provider) error {
				var ierr error
				n, ierr = p.Index(ctx, chunks)
				return ierr
			})
			if err != nil {
				return err
			}
		default:
			return eris.Errorf("unknown index target %q (legacy, hybrid)", target)
		}

		zap.L().Info("chunks indexed",
			zap.String("target", target),
			zap.String("file", path),
			zap.Int("read", len(chunks)),
			zap.Int("indexed", n),
		)
		return nil
	},
}

// withHybrid opens the hybrid provider for fn. It fails when no Postgres
// DSN is configured.
func withHybrid(ctx context.Context, fn func(p *hybrid.Provider) error) error {
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	p, pool, err := initHybrid(ctx, st)
	if err != nil {
		return err
	}
	if p == nil {
		return eris.New("hybrid index needs a postgres dsn (EVIDENCE_HYBRID_DATABASE_URL)")
	}
	if pool != nil {
		defer pool.Close()
	}
	return fn(p)
}

// readChunks decodes one IndexedChunk per non-blank line.
func readChunks(r io.Reader) ([]model.IndexedChunk, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxChunkLine)

	var (
		chunks []model.IndexedChunk
		line   int
	)
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var c model.IndexedChunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}
		if c.ChunkID == "" || c.ProjectID == "" {
			return nil, eris.Errorf("line %d: chunk_id and project_id are required", line)
		}
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "scan chunks")
	}
	return chunks, nil
}

func init() {
	indexLoadCmd.Flags().String("target", "legacy", "index to load (legacy, hybrid)")
	indexLoadCmd.Flags().String("file", "", "JSON-lines chunk file (required)")
	_ = indexLoadCmd.MarkFlagRequired("file")

	indexCmd.AddCommand(indexMigrateCmd)
	indexCmd.AddCommand(indexLoadCmd)
	rootCmd.AddCommand(indexCmd)
}
