package cmd

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jdziat/sniper"
	"github.com/jdziat/sniper/internal/config"
	"github.com/jdziat/sniper/pkg/api"
	"github.com/jdziat/sniper/pkg/gate"
	"github.com/jdziat/sniper/pkg/metrics"
	"github.com/jdziat/sniper/pkg/notify"
	"github.com/jdziat/sniper/pkg/orchestrator"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/provider/local"
	"github.com/jdziat/sniper/pkg/provider/remote"
	"github.com/jdziat/sniper/pkg/schedule"
	"github.com/jdziat/sniper/pkg/storage"
)

// app is a wired service plus the process resources it owns.
type app struct {
	*sniper.Service
	cfg     *config.Config
	log     *zap.Logger
	sqlDB   *sql.DB
	redis   *goredis.Client
	metrics *metrics.Collector
}

// newApp opens the database and, when configured, Redis and the browser
// providers. Commands that only touch the database pass withRuntime=false.
func newApp(ctx context.Context, c *config.Config, log *zap.Logger, withRuntime bool) (*app, error) {
	db, err := storage.Open(c.Database.Driver, c.Database.DSN, log,
		storage.MaxOpenConns(c.Database.MaxOpenConns),
		storage.MaxIdleConns(c.Database.MaxIdleConns),
		storage.ConnMaxLifetime(c.Database.ConnMaxLifetime),
		storage.ConnMaxIdleTime(c.Database.ConnMaxIdleTime),
		storage.WorkerSized(c.Worker.Concurrency),
	)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	a := &app{cfg: c, log: log, sqlDB: sqlDB, metrics: metrics.New()}

	opts := []sniper.Option{
		sniper.WithLogger(log),
		sniper.WithGatewayKey(c.Gateway.APIKey),
		sniper.WithProviderTimeout(c.Worker.ProviderTimeout),
	}
	notifier := notify.Multi{notify.NewLogNotifier(log)}
	if withRuntime {
		if c.Redis.Addr != "" {
			rdb, err := gate.Dial(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB)
			if err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
			a.redis = rdb
			opts = append(opts, sniper.WithGate(gate.NewRedisGate(rdb, log)))
			notifier = append(notifier, notify.NewRedisNotifier(rdb, c.Redis.Channel))
		}
		opts = append(opts, sniper.WithProviders(newProviders(c, storage.NewGormStorage(db), log)...))
	}

	a.Service = sniper.New(db, opts...)
	a.OnJobFinished(notifier)
	a.metrics.Registry().MustRegister(collectors.NewDBStatsCollector(sqlDB, "sniper"))
	if withRuntime && len(a.Providers.Kinds()) == 0 {
		log.Warn("no execution provider configured; browser jobs will fail")
	}
	return a, nil
}

// newProviders builds every configured browser provider.
func newProviders(c *config.Config, auth *storage.GormStorage, log *zap.Logger) []provider.Provider {
	var ps []provider.Provider
	if rc := c.Providers.Remote; rc.Enabled() {
		client := remote.NewClient(rc.BaseURL, rc.APIKey,
			remote.WithRequestsPerSecond(rc.RequestsPerSecond),
			remote.WithClientLogger(log),
		)
		ps = append(ps, remote.New(client, auth, remote.WithLogger(log)))
	}
	if lc := c.Providers.Local; lc.Enabled {
		launcher := local.Launcher{Bin: lc.ChromeBin, Headless: lc.Headless, DebugURL: lc.DebugURL}
		ps = append(ps, local.New(launcher.Launch, auth, local.WithLogger(log)))
	}
	return ps
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.sqlDB.Close())
	return errors.Join(errs...)
}

func (a *app) worker() *orchestrator.Worker {
	w := a.cfg.Worker
	return a.NewWorker(orchestrator.WithConfig(orchestrator.Config{
		WorkerID:        w.ID,
		Concurrency:     w.Concurrency,
		PollInterval:    w.PollInterval,
		LockLease:       w.LockLease,
		ProviderTimeout: w.ProviderTimeout,
		GateMax:         w.GateMax,
		GateTTL:         w.GateTTL,
	}))
}

func (a *app) scheduler() (*schedule.Scheduler, error) {
	def, err := schedule.Parse(a.cfg.Scheduler.DefaultCron)
	if err != nil {
		return nil, errors.Wrap(err, "scheduler.default_cron")
	}
	return a.NewScheduler(
		schedule.WithDefaultCron(def),
		schedule.WithInterval(a.cfg.Scheduler.Interval),
	), nil
}

func (a *app) router() *gin.Engine {
	rc := a.APIConfig()
	rc.Metrics = a.metrics.Handler()
	rc.Ping = a.sqlDB.PingContext
	rc.AllowOrigins = a.cfg.HTTP.AllowOrigins
	return api.NewRouter(rc)
}

func (a *app) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
	}
}

// ignoreCanceled treats a shutdown-induced cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
