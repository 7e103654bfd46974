package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/runner"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run an extraction spec or plan against a project",
	Long: "Queues an extract run and, unless --detach is set, executes it in-process and prints the run status. " +
		"Detached runs are picked up by a serve process sharing the store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		project, _ := cmd.Flags().GetString("project")
		spec, _ := cmd.Flags().GetString("spec")
		modelID, _ := cmd.Flags().GetString("model")
		detach, _ := cmd.Flags().GetBool("detach")

		req := runner.ExtractRequest{Spec: spec, ModelID: modelID}
		if err := runner.ValidateRequest(req); err != nil {
			return err
		}
		return submitRun(cmd.Context(), envOptions{Mode: "extract", LLM: true}, model.RunKindExtract, project, req, detach)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Evaluate a stored rule set against a project",
	RunE: func(cmd *cobra.Command, _ []string) error {
		project, _ := cmd.Flags().GetString("project")
		version, _ := cmd.Flags().GetString("rule-set")
		detach, _ := cmd.Flags().GetBool("detach")

		req := runner.ReviewRequest{RuleSetVersion: version}
		if err := runner.ValidateRequest(req); err != nil {
			return err
		}
		return submitRun(cmd.Context(), envOptions{Mode: "review"}, model.RunKindReview, project, req, detach)
	},
}

// submitRun queues one run and, unless detached, works that run to
// completion in-process. Other queued runs are left to serve workers.
func submitRun(parent context.Context, o envOptions, kind model.RunKind, projectID string, req any, detach bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEnv(ctx, o)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	run, err := env.Tracker.Submit(ctx, kind, projectID, req)
	if err != nil {
		return err
	}
	if detach {
		return printRun(os.Stdout, run)
	}

	done, err := env.Tracker.Execute(ctx, run.ID)
	if err != nil {
		zap.L().Warn("run interrupted, it will be requeued once stale", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	if err := printRun(os.Stdout, done); err != nil {
		return err
	}
	if done.Status == model.RunStatusFailed {
		return runFailure(done)
	}
	return nil
}

func printRun(w io.Writer, run *model.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run.View())
}

// runFailure turns a failed run into the command's error.
func runFailure(run *model.Run) error {
	if run.Error == nil {
		return eris.Errorf("run %s failed", run.ID)
	}
	return eris.Errorf("run %s failed: %s: %s", run.ID, run.Error.ErrorType, run.Error.Message)
}

func init() {
	extractCmd.Flags().String("project", "", "project id (required)")
	extractCmd.Flags().String("spec", "", "spec or plan name from the catalog (required)")
	extractCmd.Flags().String("model", "", "model id (default llm.default_model)")
	extractCmd.Flags().Bool("detach", false, "queue the run and exit")
	_ = extractCmd.MarkFlagRequired("project")
	_ = extractCmd.MarkFlagRequired("spec")

	reviewCmd.Flags().String("project", "", "project id (required)")
	reviewCmd.Flags().String("rule-set", "", "stored rule set version (required)")
	reviewCmd.Flags().Bool("detach", false, "queue the run and exit")
	_ = reviewCmd.MarkFlagRequired("project")
	_ = reviewCmd.MarkFlagRequired("rule-set")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(reviewCmd)
}
