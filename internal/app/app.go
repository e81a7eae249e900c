// Package app wires all Cantoria subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithLLMProvider,
// WithDocStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/cantoria/cantoria/internal/config"
	"github.com/cantoria/cantoria/internal/credit"
	"github.com/cantoria/cantoria/internal/health"
	"github.com/cantoria/cantoria/internal/httpapi"
	"github.com/cantoria/cantoria/internal/identity"
	"github.com/cantoria/cantoria/internal/job"
	"github.com/cantoria/cantoria/internal/observe"
	"github.com/cantoria/cantoria/internal/orchestrator"
	"github.com/cantoria/cantoria/internal/resilience"
	"github.com/cantoria/cantoria/internal/session"
	"github.com/cantoria/cantoria/internal/store"
	"github.com/cantoria/cantoria/internal/tool"
	"github.com/cantoria/cantoria/internal/voicebank"
	"github.com/cantoria/cantoria/internal/worker"
	"github.com/cantoria/cantoria/pkg/provider/llm"
	"github.com/cantoria/cantoria/pkg/provider/llm/anyllm"
)

// shutdownGrace bounds the in-flight request drain during Shutdown.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	provider   llm.Provider
	pool       *worker.Pool
	router     *tool.Router
	docs       store.DocStore
	objects    store.ObjectStore
	sessions   *session.Store
	jobs       *job.Registry
	credits    *credit.Ledger
	voicebanks *voicebank.Cache
	orch       *orchestrator.Orchestrator
	metrics    *observe.Metrics
	edge       *httpapi.Server
	httpSrv    *http.Server

	workerOpts []worker.Option

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	pumpWG   sync.WaitGroup
	pumpStop chan struct{}
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLLMProvider injects a planner provider instead of creating one from
// the llm config section.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithDocStore injects a document store instead of connecting to Postgres.
func WithDocStore(d store.DocStore) Option {
	return func(a *App) { a.docs = d }
}

// WithObjectStore injects an object store instead of creating one from config.
func WithObjectStore(o store.ObjectStore) Option {
	return func(a *App) { a.objects = o }
}

// WithWorkerOptions forwards options to the worker pool. Used by tests to
// substitute the process launcher.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(a *App) { a.workerOpts = append(a.workerOpts, opts...) }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: worker startup and readiness probes, store connections, and
// route table assembly all complete before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		pumpStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initWorkers(ctx); err != nil {
		// Keep the startup sentinel visible so main can map it to its
		// exit code.
		return nil, fmt.Errorf("app: %w", err)
	}
	if err := a.initProvider(); err != nil {
		a.Shutdown(context.Background())
		return nil, fmt.Errorf("app: init llm provider: %w", err)
	}

	a.jobs = job.NewRegistry(job.WithDeadline(cfg.JobDeadline()))
	a.sessions = session.NewStore(cfg.Sessions.ScratchRoot,
		session.WithTTL(cfg.SessionTTL()),
		session.WithJobCanceller(a.jobs),
	)
	a.closers = append(a.closers, func() error { a.sessions.Close(); return nil })

	a.credits = credit.NewLedger(a.docs, credit.WithReservationTTL(cfg.ReservationTTL()))
	a.closers = append(a.closers, func() error { a.credits.Close(); return nil })

	cache, err := voicebank.NewCache(a.objects, cfg.Voicebanks.CacheDir)
	if err != nil {
		a.Shutdown(context.Background())
		return nil, fmt.Errorf("app: init voicebank cache: %w", err)
	}
	a.voicebanks = cache

	a.router = tool.NewRouter(a.pool, tool.WithRecorder(metrics))
	a.orch = orchestrator.New(a.provider, a.router, a.sessions, a.jobs, a.credits,
		orchestrator.WithRecorder(metrics),
		orchestrator.WithSampling(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		orchestrator.WithVoicebanks(a.voicebanks),
	)

	a.edge = httpapi.NewServer(a.sessions, a.orch, a.router, a.jobs, a.credits, a.verifier(),
		httpapi.WithHealth(health.New(a.checkers()...)),
		httpapi.WithMiddleware(observe.Middleware(metrics)),
	)

	return a, nil
}

// initStores sets up the document and object stores, honouring injected
// doubles.
func (a *App) initStores(ctx context.Context) error {
	if a.docs == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			pg, err := store.NewPostgresDocStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.docs = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
		} else {
			slog.Warn("no postgres_dsn configured, credit state is in-memory")
			a.docs = store.NewMemoryDocStore()
		}
	}

	if a.objects == nil {
		obj := a.cfg.Storage.Objects
		switch obj.Backend {
		case config.ObjectBackendS3:
			s3store, err := store.NewS3ObjectStore(ctx, obj.Bucket, obj.Region, obj.Endpoint, obj.PathStyle)
			if err != nil {
				return err
			}
			a.objects = s3store
		default:
			fsStore, err := store.NewFSObjectStore(obj.Root)
			if err != nil {
				return err
			}
			a.objects = fsStore
		}
	}
	return nil
}

// initWorkers starts the cpu and gpu worker subprocesses.
func (a *App) initWorkers(ctx context.Context) error {
	a.pool = worker.NewPool(a.cfg.ClassConfigs(), a.workerOpts...)
	if err := a.pool.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	return nil
}

// initProvider builds the planner LLM from config unless one was injected.
// With fallback endpoints configured, the primary is wrapped in a failover
// group so an outage degrades to the next backend instead of erroring chat
// turns.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	primary, err := buildLLM(a.cfg.LLM.Provider, a.cfg.LLM.Model, a.cfg.LLM.APIKey, a.cfg.LLM.BaseURL)
	if err != nil {
		return err
	}
	if len(a.cfg.LLM.Fallbacks) == 0 {
		a.provider = primary
		return nil
	}

	fb := resilience.NewLLMFallback(primary, a.cfg.LLM.Provider, resilience.FallbackConfig{})
	for i, entry := range a.cfg.LLM.Fallbacks {
		p, err := buildLLM(entry.Provider, entry.Model, entry.APIKey, entry.BaseURL)
		if err != nil {
			return fmt.Errorf("fallback %d (%s): %w", i, entry.Provider, err)
		}
		fb.AddFallback(entry.Provider, p)
	}
	a.provider = fb
	return nil
}

// buildLLM constructs one any-llm backend.
func buildLLM(provider, model, apiKey, baseURL string) (llm.Provider, error) {
	var libOpts []anyllmlib.Option
	if apiKey != "" {
		libOpts = append(libOpts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		libOpts = append(libOpts, anyllmlib.WithBaseURL(baseURL))
	}
	return anyllm.New(provider, model, libOpts...)
}

// verifier picks the identity backend from the auth section.
func (a *App) verifier() identity.Verifier {
	if a.cfg.Auth.Disabled {
		return identity.Static{UserID: a.cfg.Auth.DevUserID}
	}
	return identity.NewJWT([]byte(a.cfg.Auth.JWTSecret), a.cfg.Auth.Issuer)
}

// checkers builds the readiness probes: both worker classes must be
// serving, and Postgres must answer when configured.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "workers",
		Check: func(context.Context) error {
			for _, class := range []worker.Class{worker.ClassCPU, worker.ClassGPU} {
				if !a.pool.Healthy(class) {
					return fmt.Errorf("%s worker not ready", class)
				}
			}
			return nil
		},
	}}
	if pg, ok := a.docs.(*store.PostgresDocStore); ok {
		cs = append(cs, health.Checker{Name: "database", Check: pg.Ping})
	}
	return cs
}

// Router exposes the HTTP route table. Used by tests to serve the app
// through httptest.
func (a *App) Router() http.Handler {
	return a.edge.Router()
}

// Run serves HTTP until ctx is cancelled or the listener fails. The worker
// progress pump runs alongside the server.
func (a *App) Run(ctx context.Context) error {
	a.pumpWG.Add(1)
	go a.pumpProgress()

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           a.edge.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("cantoria serving", "addr", addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// pumpProgress forwards worker job/progress notifications into the job
// registry. Other notification methods are logged and dropped.
func (a *App) pumpProgress() {
	defer a.pumpWG.Done()
	for {
		select {
		case <-a.pumpStop:
			return
		case n := <-a.pool.Notifications():
			switch n.Method {
			case "job/progress":
				a.jobs.ApplyProgress(n.Params)
			default:
				slog.Debug("ignoring worker notification", "method", n.Method)
			}
		}
	}
}

// Shutdown tears everything down: the HTTP listener drains, background
// synthesis tasks finish, then closers run in init order. Respects the
// context deadline; remaining closers are skipped when it expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			drain, cancel := context.WithTimeout(ctx, shutdownGrace)
			if err := a.httpSrv.Shutdown(drain); err != nil {
				slog.Warn("http drain error", "err", err)
			}
			cancel()
		}

		// Background synthesis tasks release or settle their
		// reservations on the way out; wait for them before closing
		// the ledger.
		if a.orch != nil {
			a.orch.Wait()
		}

		close(a.pumpStop)
		a.pumpWG.Wait()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
