package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/rules"
	"github.com/sells-group/evidence-cli/pkg/notion"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage versioned rule sets",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <version>",
	Short: "Save a rule set version from a YAML file or the Notion rule database",
	Long: "Reads the rule set from --file, from --notion, or from <rules.path>/<version>.yaml, and saves it. " +
		"A saved version is immutable: importing it again with different content fails.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		version := args[0]
		file, _ := cmd.Flags().GetString("file")
		fromNotion, _ := cmd.Flags().GetBool("notion")

		var (
			rs  *model.RuleSet
			err error
		)
		switch {
		case fromNotion:
			if cfg.Notion.Token == "" {
				return eris.New("notion token is required (EVIDENCE_NOTION_TOKEN)")
			}
			if cfg.Notion.RuleDB == "" {
				return eris.New("notion rule DB ID is required (EVIDENCE_NOTION_RULE_DB)")
			}
			rs, err = rules.LoadRuleSetFromNotion(ctx, notion.NewClient(cfg.Notion.Token, notion.Options{
				RequestsPerSecond: cfg.Notion.RateLimitRPS,
				Retries:           cfg.Notion.Retries,
			}), cfg.Notion.RuleDB, version)
		default:
			if file == "" {
				file = filepath.Join(cfg.Rules.Path, version+".yaml")
			}
			rs, err = rules.LoadRuleSetFile(file)
			if err == nil && rs.Version != version {
				err = eris.Errorf("rule set file %s declares version %q, not %q", file, rs.Version, version)
			}
		}
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SaveRuleSet(ctx, rs); err != nil {
			return eris.Wrap(err, "rules import")
		}
		zap.L().Info("rule set saved",
			zap.String("version", rs.Version),
			zap.Int("rules", len(rs.Rules)),
		)
		return nil
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Print a stored rule set as YAML, or list versions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 0 {
			versions, err := st.ListRuleSetVersions(ctx)
			if err != nil {
				return eris.Wrap(err, "rules show")
			}
			for _, v := range versions {
				fmt.Println(v)
			}
			return nil
		}

		rs, err := st.GetRuleSet(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "rules show")
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(rs)
	},
}

func init() {
	rulesImportCmd.Flags().String("file", "", "YAML rule set file (default <rules.path>/<version>.yaml)")
	rulesImportCmd.Flags().Bool("notion", false, "load active rules from the Notion rule database")
	rulesImportCmd.MarkFlagsMutuallyExclusive("file", "notion")

	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesShowCmd)
	rootCmd.AddCommand(rulesCmd)
}
