// Package app assembles the beacon engine from its components. The daemon
// and the end-to-end tests both build it through New.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/config"
	"github.com/celerix-dev/celerix-beacon/internal/delivery"
	"github.com/celerix-dev/celerix-beacon/internal/directory"
	"github.com/celerix-dev/celerix-beacon/internal/escalation"
	"github.com/celerix-dev/celerix-beacon/internal/fanout"
	"github.com/celerix-dev/celerix-beacon/internal/ledger"
	"github.com/celerix-dev/celerix-beacon/internal/messaging"
	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/internal/notify"
	"github.com/celerix-dev/celerix-beacon/internal/realtime"
	"github.com/celerix-dev/celerix-beacon/internal/sqlstore"
	"github.com/celerix-dev/celerix-beacon/internal/vault"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Options customize New. Zero values select production behaviour.
type Options struct {
	Config config.Config
	// InMemory keeps every store in memory. Nothing touches DataDir.
	InMemory bool
	Clock    clock.Clock
	Logger   *slog.Logger
	// Registerer receives the engine's collectors. Nil uses a fresh registry.
	Registerer prometheus.Registerer
	// Deliverer replaces the configured delivery provider.
	Deliverer delivery.Deliverer
	// Alerter replaces the logging alerter.
	Alerter delivery.Alerter
	// Protocols replaces the catalog loaded from Config.ProtocolsFile.
	Protocols *config.Registry
}

// Engine owns every component and their background loops.
type Engine struct {
	Config     config.Config
	Directory  *directory.MemStore
	Ledger     *ledger.Ledger
	Fanout     *fanout.Router
	Hub        *realtime.Hub
	Bridge     *realtime.Bridge
	Dispatcher *notify.Dispatcher
	Scheduler  *escalation.Scheduler
	Messaging  *messaging.Service
	Protocols  *config.Registry
	Metrics    *metrics.Metrics
	// Gatherer serves /metrics when the engine created its own registry.
	Gatherer prometheus.Gatherer

	log       *slog.Logger
	db        *sql.DB
	runs      escalation.RunStore
	unwatch   func()
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// New builds the engine. Call Start to run its background loops.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	e := &Engine{Config: cfg, log: log}

	reg := opts.Registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, e.Gatherer = r, r
	}
	e.Metrics = metrics.New(reg)

	var err error
	e.Protocols = opts.Protocols
	if e.Protocols == nil {
		if e.Protocols, err = config.NewRegistry(cfg.ProtocolsFile, log); err != nil {
			return nil, fmt.Errorf("load protocols: %w", err)
		}
	}

	stores, err := e.openStores(cfg, opts.InMemory)
	if err != nil {
		e.closeStores()
		return nil, err
	}

	policy := delivery.Policy{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		InitialBackoff: cfg.Delivery.InitialBackoff.Std(),
		MaxBackoff:     cfg.Delivery.MaxBackoff.Std(),
	}
	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = newDeliverer(cfg.Delivery, log)
	}
	deliverer = delivery.Instrumented(deliverer, e.Metrics)
	alerter := opts.Alerter
	if alerter == nil {
		alerter = delivery.LogAlerter{Log: log.With("component", "alerts"), Metrics: e.Metrics}
	}

	e.Hub = realtime.NewHub(realtime.Config{
		EventsPerSecond: cfg.Realtime.EventsPerSecond,
		Burst:           cfg.Realtime.Burst,
		QueueSize:       cfg.Realtime.QueueSize,
		PublishTimeout:  cfg.Realtime.PublishTimeout.Std(),
	}, log, e.Metrics)
	if cfg.Realtime.RedisAddr != "" {
		e.Bridge = realtime.NewBridge(cfg.Realtime.RedisAddr, cfg.Realtime.RedisPassword, cfg.Realtime.RedisDB,
			cfg.Realtime.RedisChannel, e.Hub, log)
	}

	e.Ledger = ledger.New(stores.status, e.Directory, ledger.Options{
		MaxMessageLength: cfg.Status.MaxMessageLength,
		Clock:            clk,
		Logger:           log,
		Metrics:          e.Metrics,
	})
	e.Fanout = fanout.New(e.Directory, e.Hub, cfg.Fanout.Concurrency, log, e.Metrics)
	e.Dispatcher = notify.NewDispatcher(stores.notifications, e.Directory, deliverer, notify.Options{
		Policy:    policy,
		Lanes:     cfg.Notify.Lanes,
		Publisher: e.Hub,
		Clock:     clk,
		Logger:    log,
		Metrics:   e.Metrics,
	})
	e.Scheduler = escalation.NewScheduler(e.runs, e.Protocols, e.Ledger, e.Directory, escalation.Actions{
		Users:      e.Directory,
		Notifier:   e.Dispatcher,
		Recipients: e.Fanout,
		Deliverer:  deliverer,
		Alerter:    alerter,
		Policy:     policy,
		Log:        log.With("component", "escalation"),
	}, escalation.Options{Clock: clk, Alerter: alerter, Logger: log, Metrics: e.Metrics})
	e.Messaging = messaging.NewService(stores.messages, e.Directory, e.Protocols, e.Fanout, clk, log)

	e.Ledger.OnChange(func(ctx context.Context, ev schema.StatusChanged) {
		if err := e.Fanout.HandleStatusChanged(ctx, ev); err != nil {
			log.Error("fanout status change", "user_id", ev.UserID, "revision", ev.Revision, "error", err)
		}
	})
	e.Ledger.OnChange(func(ctx context.Context, ev schema.StatusChanged) {
		if err := e.Scheduler.OnStatusChanged(ctx, ev); err != nil {
			log.Error("schedule escalation", "user_id", ev.UserID, "revision", ev.Revision, "error", err)
		}
	})
	return e, nil
}

type engineStores struct {
	status        ledger.Store
	notifications notify.Store
	messages      messaging.Store
}

func (e *Engine) openStores(cfg config.Config, inMemory bool) (engineStores, error) {
	if inMemory {
		e.Directory = directory.NewMemStore(directory.Snapshot{}, nil)
		e.runs = escalation.NewMemoryStore()
		return engineStores{
			status:        ledger.NewMemoryStore(),
			notifications: notify.NewMemoryStore(),
			messages:      messaging.NewMemoryStore(),
		}, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return engineStores{}, fmt.Errorf("create data dir: %w", err)
	}
	dir, err := directory.Open(cfg.DataDir)
	if err != nil {
		return engineStores{}, fmt.Errorf("open directory: %w", err)
	}
	e.Directory = dir

	var sealer *vault.Sealer
	if cfg.SealKey != "" {
		if sealer, err = vault.NewSealer(cfg.SealKey); err != nil {
			return engineStores{}, err
		}
	}
	if e.db, err = sqlstore.Open(cfg.DatabasePath()); err != nil {
		return engineStores{}, err
	}
	var s engineStores
	if s.status, err = sqlstore.NewStatusStore(e.db, sealer); err != nil {
		return engineStores{}, err
	}
	if s.notifications, err = sqlstore.NewNotificationStore(e.db); err != nil {
		return engineStores{}, err
	}
	if s.messages, err = sqlstore.NewMessageStore(e.db, sealer); err != nil {
		return engineStores{}, err
	}

	e.runs, err = escalation.OpenBadger(escalation.BadgerConfig{
		Path:       filepath.Join(cfg.DataDir, "runs"),
		SyncWrites: true,
		RetainFor:  cfg.Escalation.RetainFor.Std(),
		GCInterval: 5 * time.Minute,
		Logger:     e.log.With("component", "runstore"),
	})
	if err != nil {
		return engineStores{}, err
	}
	return s, nil
}

// Start resumes persisted escalations and launches the background loops:
// the notification dispatcher, directory change fanout, protocol hot reload
// and the Redis bridge when configured.
func (e *Engine) Start(ctx context.Context) error {
	if e.Bridge != nil {
		if err := e.Bridge.Ping(ctx); err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
	}
	n, err := e.Scheduler.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume escalations: %w", err)
	}
	if n > 0 {
		e.log.Info("resumed escalations", "count", n)
	}

	firehose, err := e.Hub.SubscribeAll()
	if err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	g.Go(func() error { return e.Dispatcher.Serve(gctx, e.Hub, firehose) })
	g.Go(func() error { return e.Protocols.Watch(gctx) })
	if e.Bridge != nil {
		g.Go(func() error { return e.Bridge.Run(gctx) })
	}
	e.unwatch = e.Directory.Watch(func(c sdk.Change) {
		if err := e.Fanout.HandleDirectoryChange(gctx, c); err != nil {
			e.log.Warn("fanout directory change", "kind", c.Kind, "user_id", c.UserID, "error", err)
		}
	})
	return nil
}

// Close stops timers and loops, then flushes and closes the stores.
// Escalations interrupted mid-step are re-executed by the next Start.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.unwatch != nil {
			e.unwatch()
		}
		errs = append(errs, e.Scheduler.Close())
		e.Hub.Close()
		if e.cancel != nil {
			e.cancel()
		}
		if e.group != nil {
			if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		if e.Bridge != nil {
			errs = append(errs, e.Bridge.Close())
		}
		errs = append(errs, e.closeStores())
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func (e *Engine) closeStores() error {
	var errs []error
	if e.Directory != nil {
		e.Directory.Wait()
	}
	if e.runs != nil {
		errs = append(errs, e.runs.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	return errors.Join(errs...)
}

// Ack adapts the scheduler to the WebSocket acknowledgment hook.
func (e *Engine) Ack(ctx context.Context, actorID, userID string, revision int64) error {
	_, err := e.Scheduler.Acknowledge(ctx, userID, actorID, revision)
	return err
}

// newDeliverer routes each channel to its webhook, falling back to the shared
// webhook or, without one, to the log.
func newDeliverer(cfg config.DeliveryConfig, log *slog.Logger) delivery.Deliverer {
	r := delivery.Router{Routes: make(map[schema.Channel]delivery.Deliverer, len(cfg.ChannelWebhooks))}
	for ch, url := range cfg.ChannelWebhooks {
		r.Routes[schema.Channel(ch)] = delivery.NewWebhookDeliverer(url, cfg.WebhookToken, cfg.Timeout.Std())
	}
	if cfg.WebhookURL != "" {
		r.Default = delivery.NewWebhookDeliverer(cfg.WebhookURL, cfg.WebhookToken, cfg.Timeout.Std())
	} else {
		r.Default = delivery.LogDeliverer{Log: log.With("component", "delivery")}
	}
	return r
}
