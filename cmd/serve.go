package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-cli/internal/api"
	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/monitoring"
)

var (
	servePort   int
	serveNoLLM  bool
	serveAlerts bool
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run workers and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode := "serve"
		if serveNoLLM {
			mode = "review"
		}
		env, err := initEnv(ctx, envOptions{Mode: mode, LLM: !serveNoLLM})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			env.Close(closeCtx)
		}()

		if vp != nil && vp.ConfigFileUsed() != "" {
			env.Cutover.Watch(vp)
			zap.L().Info("watching config for cutover changes", zap.String("file", vp.ConfigFileUsed()))
		}

		collector := monitoring.NewCollector(env.Store)
		env.track(collector)

		deps := api.Deps{
			Runs:          env.Tracker,
			Store:         env.Store,
			Cutover:       env.Cutover,
			Retriever:     env.Facade,
			Plans:         noPlans{},
			Metrics:       collector,
			LookbackHours: cfg.Monitoring.LookbackHours,
			CORSOrigins:   cfg.Server.CORSOrigins,
		}
		if env.Catalog != nil {
			deps.Plans = env.Catalog
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := api.NewHTTPServer(fmt.Sprintf(":%d", port), api.NewRouter(deps))

		g, gctx := errgroup.WithContext(ctx)

		env.Tracker.Start(gctx)
		g.Go(func() error {
			env.Tracker.Wait()
			return nil
		})

		if serveAlerts {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

// noPlans rejects every extraction when serve runs without an LLM.
type noPlans struct{}

func (noPlans) Plan(name string) (*extract.Plan, error) {
	return nil, eris.Errorf("extraction disabled, cannot resolve %q", name)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoLLM, "no-llm", false, "serve reviews and debug endpoints only; extraction requests are rejected")
	serveCmd.Flags().BoolVar(&serveAlerts, "alerts", true, "run the periodic monitoring checker")
	rootCmd.AddCommand(serveCmd)
}
