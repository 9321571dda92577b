package cmd

import (
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers only",
	Long: `Run job workers against the shared database. Start as many worker
processes as needed; the concurrency gate bounds parallel jobs per workspace
when SNIPER_REDIS_ADDR points every process at the same Redis.`,
	RunE: runWorker,
}

var (
	workerMetricsAddr string
	workerSchedule    bool
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "serve /metrics on this address")
	workerCmd.Flags().BoolVar(&workerSchedule, "schedule", false, "also run the recurring target scheduler")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	w := a.worker()
	g.Go(func() error { return ignoreCanceled(w.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.metrics.Run(gctx, a.Queue)) })

	if workerSchedule {
		s, err := a.scheduler()
		if err != nil {
			return errors.Wrap(err, "scheduler")
		}
		g.Go(func() error { return ignoreCanceled(s.Start(gctx)) })
	}
	if workerMetricsAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
		serveHTTP(gctx, g, a.httpServer(workerMetricsAddr, r), logger)
	}
	return g.Wait()
}
