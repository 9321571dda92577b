// Package sniper schedules browser-driven LinkedIn outreach: discovering the
// people who engaged with a post, then sending them connection requests and
// messages within per-workspace rate budgets and active hours.
//
// This is the package most users import. It re-exports the main types from
// the pkg/ packages and wires them into a Service.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("sniper.db"), &gorm.Config{})
//	svc := sniper.New(db, sniper.WithProviders(myProvider))
//	svc.Migrate(ctx)
//
//	// Enqueue a job
//	svc.Queue.CreateJob(ctx, sniper.JobRequest{
//	    WorkspaceID: "ws-1",
//	    CreatedBy:   "user-1",
//	    Type:        sniper.JobSendConnectRequests,
//	    Profiles:    []sniper.ProfileRequest{{URL: "https://www.linkedin.com/in/jane"}},
//	})
//
//	// Run workers and the recurring target scheduler
//	svc.Run(ctx, svc.NewWorker(), svc.NewScheduler())
package sniper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/jdziat/sniper/pkg/admission"
	"github.com/jdziat/sniper/pkg/api"
	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/gate"
	"github.com/jdziat/sniper/pkg/gateway"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/notify"
	"github.com/jdziat/sniper/pkg/orchestrator"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/schedule"
	"github.com/jdziat/sniper/pkg/settings"
	"github.com/jdziat/sniper/pkg/storage"
)

type (
	// Job is one discovery, connect or message run.
	Job = core.Job

	// JobItem is one profile of a connect or message job.
	JobItem = core.JobItem

	// Target is a post whose engagers are discovered on a schedule.
	Target = core.Target

	// JobInput carries a job's post url, note and message.
	JobInput = core.JobInput

	// WorkspaceSettings are a workspace's limits and active hours.
	WorkspaceSettings = core.WorkspaceSettings

	JobStatus    = core.JobStatus
	ItemStatus   = core.ItemStatus
	JobType      = core.JobType
	ProviderKind = core.ProviderKind

	// Event is emitted by the queue as jobs progress.
	Event = core.Event

	// JobFinished is handed to notifiers once per finished job.
	JobFinished = core.JobFinished

	// Queue creates, cancels and resumes jobs and targets.
	Queue = orchestrator.Queue

	// Worker claims due jobs and runs them.
	Worker = orchestrator.Worker

	// WorkerConfig holds worker configuration.
	WorkerConfig = orchestrator.Config

	JobRequest     = orchestrator.JobRequest
	TargetRequest  = orchestrator.TargetRequest
	ProfileRequest = orchestrator.ProfileRequest

	// Decision is the outcome of an admission check.
	Decision = admission.Decision

	// Provider executes LinkedIn actions in a browser.
	Provider = provider.Provider

	// Notifier receives finished jobs.
	Notifier = notify.Notifier
)

// Job statuses.
const (
	StatusQueued             = core.StatusQueued
	StatusRunning            = core.StatusRunning
	StatusPaused             = core.StatusPaused
	StatusSucceeded          = core.StatusSucceeded
	StatusPartiallySucceeded = core.StatusPartiallySucceeded
	StatusFailed             = core.StatusFailed
	StatusCanceled           = core.StatusCanceled
)

// Job types.
const (
	JobDiscoverPostEngagers = core.JobDiscoverPostEngagers
	JobPeopleSearch         = core.JobPeopleSearch
	JobSendConnectRequests  = core.JobSendConnectRequests
	JobSendMessages         = core.JobSendMessages
)

// Providers.
const (
	ProviderRemote   = core.ProviderRemote
	ProviderLocal    = core.ProviderLocal
	ProviderExternal = core.ProviderExternal
)

// Error variables
var (
	ErrIllegalTransition = core.ErrIllegalTransition
	ErrNotFound          = core.ErrNotFound
	ErrAuthRequired      = core.ErrAuthRequired
	ErrInvalidInput      = core.ErrInvalidInput
	ErrUnknownProvider   = core.ErrUnknownProvider
	ErrConflict          = core.ErrConflict
)

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Option configures a Service.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

type options struct {
	gate            gate.Gate
	providers       []provider.Provider
	providerTimeout time.Duration
	gatewayKey      string
	logger          *zap.Logger
}

// WithGate sets the concurrency gate. The default is an in-process gate,
// which only bounds jobs within one process.
func WithGate(g gate.Gate) Option {
	return optionFunc(func(o *options) { o.gate = g })
}

// WithProviders registers execution providers. Each is wrapped so that a
// login wall flips the user's stored auth to needs_reauth, and so that every
// call runs under the provider timeout.
func WithProviders(ps ...provider.Provider) Option {
	return optionFunc(func(o *options) { o.providers = append(o.providers, ps...) })
}

// WithProviderTimeout bounds each provider call. Non-positive values keep
// provider.DefaultCallTimeout.
func WithProviderTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) { o.providerTimeout = d })
}

// WithGatewayKey sets the shared secret of the batch gateway. Without one the
// gateway answers 503.
func WithGatewayKey(key string) Option {
	return optionFunc(func(o *options) { o.gatewayKey = key })
}

// WithLogger sets the logger of every component.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		if l != nil {
			o.logger = l
		}
	})
}

// Service holds the components of one sniper process, sharing a database.
type Service struct {
	Storage   *storage.GormStorage
	Settings  *settings.GormStore
	Ledger    *ledger.GormLedger
	Admission *admission.Controller
	Gate      gate.Gate
	Providers *provider.Registry
	Queue     *orchestrator.Queue
	Gateway   *gateway.Handler

	logger *zap.Logger
}

// New wires a Service on db.
func New(db *gorm.DB, opts ...Option) *Service {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.gate == nil {
		o.gate = gate.NewLocalGate()
	}

	s := &Service{
		Storage:  storage.NewGormStorage(db),
		Settings: settings.NewGormStore(db),
		Ledger:   ledger.NewGormLedger(db),
		Gate:     o.gate,
		logger:   o.logger,
	}
	s.Admission = admission.New(s.Settings, s.Ledger, s.Storage, admission.WithLogger(o.logger))
	s.Providers = provider.NewRegistry()
	for _, p := range o.providers {
		p = provider.WithAuthTracking(p, s.Storage, o.logger)
		s.Providers.Register(provider.WithTimeout(p, o.providerTimeout))
	}
	s.Queue = orchestrator.NewQueue(s.Storage, s.Settings, orchestrator.WithQueueLogger(o.logger))
	s.Gateway = gateway.New(s.Queue, s.Admission, s.Ledger, s.Settings, o.gatewayKey,
		gateway.WithLogger(o.logger),
		gateway.WithAuthStatus(s.Storage),
	)
	return s
}

// Migrate creates or updates the tables.
func (s *Service) Migrate(ctx context.Context) error {
	return s.Storage.Migrate(ctx)
}

// OnJobFinished hands every finished job to n, once per job.
func (s *Service) OnJobFinished(n Notifier) {
	s.Queue.OnJobFinished(notify.Hook(n, s.logger))
}

// NewWorker creates a worker that runs jobs through the service's providers.
func (s *Service) NewWorker(opts ...orchestrator.WorkerOption) *Worker {
	deps := orchestrator.Deps{
		Providers: s.Providers,
		Admission: s.Admission,
		Settings:  s.Settings,
		Ledger:    s.Ledger,
		Gate:      s.Gate,
	}
	opts = append([]orchestrator.WorkerOption{orchestrator.WithWorkerLogger(s.logger)}, opts...)
	return orchestrator.NewWorker(s.Queue, deps, opts...)
}

// NewScheduler creates the recurring target scheduler.
func (s *Service) NewScheduler(opts ...schedule.Option) *schedule.Scheduler {
	opts = append([]schedule.Option{schedule.WithLogger(s.logger)}, opts...)
	return schedule.New(s.Storage, s.Queue, opts...)
}

// APIConfig returns a router configuration with the service's components and
// the batch gateway mounted. Callers add metrics, health and CORS settings.
func (s *Service) APIConfig() api.Config {
	return api.Config{
		Queue:     s.Queue,
		Admission: s.Admission,
		Ledger:    s.Ledger,
		Settings:  s.Settings,
		Providers: s.Providers,
		Auth:      s.Storage,
		Mounts:    []api.Mounter{s.Gateway},
		Logger:    s.logger,
	}
}

// Run starts every component and blocks until ctx ends or one of them fails.
// Cancellation of ctx is a clean exit.
func (s *Service) Run(ctx context.Context, components ...core.Starter) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error { return c.Start(gctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
