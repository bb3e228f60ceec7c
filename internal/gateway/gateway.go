// Package gateway wires the store, counters, queue, engine, scheduler and HTTP
// server into one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/counter"
	"github.com/stellarlinkco/personasurvey/internal/cron"
	"github.com/stellarlinkco/personasurvey/internal/embedding"
	"github.com/stellarlinkco/personasurvey/internal/engine"
	"github.com/stellarlinkco/personasurvey/internal/inference"
	"github.com/stellarlinkco/personasurvey/internal/llm"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
	"github.com/stellarlinkco/personasurvey/internal/notify"
	"github.com/stellarlinkco/personasurvey/internal/progress"
	"github.com/stellarlinkco/personasurvey/internal/queue"
	"github.com/stellarlinkco/personasurvey/internal/refine"
	"github.com/stellarlinkco/personasurvey/internal/server"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

const (
	redisKeyPrefix = "personasurvey:"
	stopTimeout    = 30 * time.Second
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	ModelFactory llm.ModelFactory
	Embedder     embedding.Embedder
	Notifier     notify.Notifier
	Listener     net.Listener
	SignalChan   chan os.Signal
	Logger       *zap.Logger
}

type Pool = queue.Pool[inference.Task, inference.Result]

type Gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    *store.Store
	counters counter.Store
	closers  []func() error
	embedder embedding.Embedder
	notifier notify.Notifier

	tracker    *progress.Tracker
	pool       *Pool
	controller *engine.Controller
	cron       *cron.Service
	server     *server.Server

	listener   net.Listener
	signalChan chan os.Signal
}

func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions builds every component without starting any of them.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (g *Gateway, err error) {
	g = &Gateway{
		cfg:        cfg,
		logger:     logging.OrNop(opts.Logger),
		metrics:    metrics.New(),
		listener:   opts.Listener,
		signalChan: opts.SignalChan,
	}
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	g.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.closers = append(g.closers, g.store.Close)

	g.counters, err = g.openCounters(ctx)
	if err != nil {
		return nil, err
	}
	g.tracker = progress.NewTracker(g.counters)

	g.embedder = opts.Embedder
	if g.embedder == nil {
		emb, embErr := embedding.NewEmbedder(ctx, cfg.Embedding)
		if embErr != nil {
			g.logger.Warn("semantic filtering disabled", zap.Error(embErr))
		} else {
			g.embedder = emb
		}
	}

	g.notifier = opts.Notifier
	if g.notifier == nil {
		g.notifier, err = g.buildNotifier()
		if err != nil {
			return nil, err
		}
	}

	client := llm.NewClient(llm.FromConfig(cfg.Provider), g.logger,
		llm.WithFactory(opts.ModelFactory), llm.WithMetrics(g.metrics))
	unit := inference.NewUnit(client, g.tracker, g.logger)

	initial, maxBackoff, err := cfg.Queue.Backoff()
	if err != nil {
		return nil, err
	}
	g.pool, err = queue.New[inference.Task, inference.Result](unit.Execute, queue.Options{
		Workers:        cfg.Queue.Workers,
		MaxRetries:     cfg.Queue.MaxRetries,
		BackoffInitial: initial,
		BackoffMax:     maxBackoff,
		RatePerMinute:  cfg.Queue.RatePerMinute,
		Metrics:        g.metrics,
		Logger:         g.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	var refiner engine.Refiner
	if g.embedder != nil {
		refiner = refine.New(g.store, g.embedder, g.logger)
	}
	collector := engine.NewCollector(g.store, g.store, g.metrics, g.notifier, g.logger)
	dispatcher := engine.NewDispatcher(g.pool, g.tracker, collector, g.logger)
	g.controller = engine.NewController(engine.Deps{
		Runs:       g.store,
		Personas:   g.store,
		Refiner:    refiner,
		Quota:      g.store,
		Dispatcher: dispatcher,
		Tracker:    g.tracker,
		Metrics:    g.metrics,
		Logger:     g.logger,
		Threshold:  cfg.Embedding.Threshold,
	})

	g.cron = cron.NewService(g.logger)
	if cfg.Sweeper.Enabled {
		stallAfter, err := cfg.Sweeper.StallDuration()
		if err != nil {
			return nil, err
		}
		sweeper := cron.NewSweeper(g.store, g.tracker, stallAfter, g.metrics, g.notifier, g.logger)
		if err := g.cron.AddJob(cron.SweepJobName, cfg.Sweeper.Schedule, sweeper.Job()); err != nil {
			return nil, err
		}
	}

	g.server = server.New(g.controller, g.store, server.Options{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Metrics: g.metrics,
		Logger:  g.logger,
	})
	return g, nil
}

func (g *Gateway) openCounters(ctx context.Context) (counter.Store, error) {
	switch strings.ToLower(g.cfg.Counters.Driver) {
	case "", config.CounterDriverMemory:
		return counter.NewMemoryStore(), nil
	case config.CounterDriverSQL:
		return g.store.Counters(), nil
	case config.CounterDriverRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{g.cfg.Counters.RedisAddr},
			DB:       g.cfg.Counters.RedisDB,
			Password: g.cfg.Counters.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", g.cfg.Counters.RedisAddr, err)
		}
		rs := counter.NewRedisStore(client, redisKeyPrefix)
		g.closers = append(g.closers, rs.Close)
		return rs, nil
	default:
		return nil, fmt.Errorf("unsupported counter driver %q", g.cfg.Counters.Driver)
	}
}

func (g *Gateway) buildNotifier() (notify.Notifier, error) {
	notifiers := []notify.Notifier{notify.NewLog(g.logger)}
	if tc := g.cfg.Notify.Telegram; tc.Enabled {
		tg, err := notify.NewTelegram(tc, g.logger)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		notifiers = append(notifiers, tg)
	}
	return notify.Multi(notifiers...), nil
}

func (g *Gateway) Controller() *engine.Controller { return g.controller }
func (g *Gateway) Store() *store.Store              { return g.store }
func (g *Gateway) Tracker() *progress.Tracker       { return g.tracker }
func (g *Gateway) Cron() *cron.Service              { return g.cron }
func (g *Gateway) Metrics() *metrics.Metrics        { return g.metrics }
func (g *Gateway) Server() *server.Server           { return g.server }

// Embedder is nil when no embedding provider could be built.
func (g *Gateway) Embedder() embedding.Embedder { return g.embedder }

// Start launches the worker pool. It is enough for one-shot CLI runs.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.pool.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	return nil
}

// Run starts every component and serves HTTP until ctx is canceled, the
// server fails or a termination signal arrives. It always shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}
	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start", zap.Error(err))
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if g.listener != nil {
			return g.server.Serve(egCtx, g.listener)
		}
		return g.server.Run(egCtx)
	})
	eg.Go(func() error {
		select {
		case sig := <-sigCh:
			g.logger.Info("signal received", zap.String("signal", sig.String()))
			cancel()
		case <-egCtx.Done():
		}
		return nil
	})
	g.logger.Info("running", zap.String("addr", g.server.Addr()), zap.String("store", g.store.Driver()))

	runErr := eg.Wait()
	g.logger.Info("shutting down")
	return errors.Join(runErr, g.Shutdown(context.Background()))
}

// Shutdown stops the scheduler, lets in-flight tasks and joins finish, then
// closes the counters and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cron.Stop()

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	var errs []error
	if err := g.pool.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop queue: %w", err))
	}
	errs = append(errs, g.close())
	g.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
