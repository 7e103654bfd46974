package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/config"
)

var (
	cfg *config.Config
	// vp backs cfg; serve watches it for cutover changes.
	vp *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "evidence-cli",
	Short: "Evidence retrieval, extraction and rule review for tender projects",
	Long: "Retrieves evidence chunks from the legacy and hybrid indexes, extracts structured data with an LLM, " +
		"evaluates rule sets into findings, and migrates each capability between implementations by cutover mode.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, v, err := config.LoadWithViper()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg, vp = c, v

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
