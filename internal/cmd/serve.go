package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, batch gateway, workers and scheduler",
	Long: `Run every component in one process: the HTTP API with the batch gateway
and /metrics, the job workers, the recurring target scheduler and the
metrics collector. SIGINT or SIGTERM drains in-flight work and exits.`,
	RunE: runServe,
}

var (
	serveMigrate  bool
	serveNoWorker bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "create or update tables before serving")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "serve HTTP only; run workers with 'sniper worker'")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if serveMigrate {
		if err := a.Migrate(ctx); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if !serveNoWorker {
		w := a.worker()
		g.Go(func() error { return ignoreCanceled(w.Start(gctx)) })
	}
	if cfg.Scheduler.Enabled {
		s, err := a.scheduler()
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(s.Start(gctx)) })
	}
	g.Go(func() error { return ignoreCanceled(a.metrics.Run(gctx, a.Queue)) })

	srv := a.httpServer(cfg.HTTP.Addr, a.router())
	serveHTTP(gctx, g, srv, logger)

	return g.Wait()
}

// serveHTTP runs srv in g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
