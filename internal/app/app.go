// Package app wires the callbrief components together and runs them.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/cache"
	"github.com/hpungsan/callbrief/internal/calendar"
	"github.com/hpungsan/callbrief/internal/config"
	"github.com/hpungsan/callbrief/internal/db"
	"github.com/hpungsan/callbrief/internal/notify"
	"github.com/hpungsan/callbrief/internal/pipeline"
	"github.com/hpungsan/callbrief/internal/provider"
	"github.com/hpungsan/callbrief/internal/web"
	"github.com/hpungsan/callbrief/internal/webhook"
)

// Overrides replaces external collaborators, mainly for tests. Nil fields
// use the configured implementation.
type Overrides struct {
	Bus         bus.Bus
	Provider    webhook.Provider
	Meetings    webhook.MeetingSource
	Lookup      pipeline.Lookup
	Synthesizer pipeline.Synthesizer
	Now         func() time.Time
}

// App holds every wired component.
type App struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *sql.DB
	Store  *db.Store
	Cache  *cache.Cache
	Bus    bus.Bus

	Orchestrator *pipeline.Orchestrator
	Registry     *webhook.Registry
	Scheduler    *webhook.Scheduler
	Receiver     *webhook.Receiver
	Syncer       *webhook.Syncer
	Dispatcher   *notify.Dispatcher

	closers []func() error
}

// New opens the database under baseDir and wires every component.
func New(ctx context.Context, baseDir string, cfg *config.Config, log *zap.Logger, ov Overrides) (*App, error) {
	sqlDB, err := db.Init(baseDir)
	if err != nil {
		return nil, err
	}
	db.ConfigurePool(sqlDB, cfg)

	a := &App{
		Config:  cfg,
		Log:     log,
		DB:      sqlDB,
		Store:   db.NewStore(sqlDB),
		closers: []func() error{sqlDB.Close},
	}
	now := ov.Now
	if now == nil {
		now = time.Now
	}

	if err := a.wire(ctx, ov, now); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, ov Overrides, now func() time.Time) error {
	cfg := a.Config

	var store cache.Store
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		store = cache.NewMemory()
	default:
		store = db.NewCacheStore(a.DB)
	}
	a.Cache = cache.New(store, now)

	a.Bus = ov.Bus
	if a.Bus == nil {
		b, err := a.newBus(ctx, now)
		if err != nil {
			return err
		}
		a.Bus = b
	}

	watcher, meetings := ov.Provider, ov.Meetings
	if watcher == nil || meetings == nil {
		cal, err := a.newCalendar(ctx)
		if err != nil {
			return err
		}
		if watcher == nil {
			watcher = cal
		}
		if meetings == nil {
			meetings = cal
		}
	}

	lookup, synth := a.newResearchClients(ov)

	policy := pipeline.DefaultPolicy()
	policy.LookupTimeout = cfg.Pipeline.LookupTimeout
	policy.SynthesisTimeout = cfg.Pipeline.SynthesisTimeout
	policy.TotalBudget = cfg.Pipeline.TotalBudget
	policy.LookupConcurrency = cfg.Pipeline.LookupConcurrency

	a.Orchestrator = pipeline.New(pipeline.Options{
		Store:       a.Store,
		Cache:       a.Cache,
		Lookup:      lookup,
		Synthesizer: synth,
		Publisher:   a.Bus,
		Logger:      a.Log,
		Policy:      policy,
		Now:         now,
	})

	a.Registry = webhook.NewRegistry(a.Store, watcher, a.Log, webhook.RegistryOptions{
		CallbackURL: cfg.Webhook.CallbackURL,
		Now:         now,
	})
	a.Scheduler = webhook.NewScheduler(a.Registry, a.Store, a.Bus, a.Log, webhook.SchedulerOptions{
		Threshold: cfg.Webhook.RenewalThreshold,
		Interval:  cfg.Webhook.ScanInterval,
		Now:       now,
	})
	a.Receiver = webhook.NewReceiver(a.Registry, a.Bus, a.Log, now)
	a.Syncer = webhook.NewSyncer(meetings, a.Store, a.Store, a.Bus, a.Log, webhook.SyncerOptions{Now: now})

	var channel notify.Channel = notify.LogChannel{Log: a.Log.Named("notification")}
	if cfg.Notify.WebhookURL != "" {
		channel = notify.NewHTTPChannel(cfg.Notify.WebhookURL, "", nil)
	}
	retry := backoff.Default
	retry.MaxRetries = cfg.Notify.MaxRetries
	a.Dispatcher = notify.NewDispatcher(notify.Options{
		Campaigns: a.Store,
		Publisher: a.Bus,
		Channel:   channel,
		Logger:    a.Log,
		Retry:     retry,
	})

	a.subscribe()
	return nil
}

// subscribe attaches every consumer to its event.
func (a *App) subscribe() {
	a.Bus.Subscribe(bus.EventCalendarReceived, bus.Handle(a.Syncer.HandleReceived))
	a.Bus.Subscribe(bus.EventGenerateRequested, bus.Handle(a.Orchestrator.HandleRequested))
	a.Bus.Subscribe(bus.EventGenerateCompleted, bus.Handle(a.Dispatcher.HandleCompleted))
	a.Bus.Subscribe(bus.EventGenerateFailed, bus.Handle(a.Dispatcher.HandleFailed))
	a.Bus.Subscribe(bus.EventRenewScheduled, bus.Handle(a.Scheduler.HandleRenew))
	a.Bus.Subscribe(bus.EventSendRequested, bus.Handle(a.Dispatcher.HandleSendRequested))
}

func (a *App) newBus(ctx context.Context, now func() time.Time) (bus.Bus, error) {
	cfg := a.Config.Bus
	if cfg.Backend != config.BackendPubSub {
		return bus.NewMemory(a.Log, bus.MemoryOptions{
			Workers:         cfg.Workers,
			QueueSize:       cfg.QueueSize,
			MaxDeliveries:   cfg.MaxDeliveries,
			RedeliveryDelay: backoff.InitialDelay,
			Now:             now,
		}), nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return bus.NewPubSub(client, a.Log, bus.PubSubOptions{Prefix: cfg.TopicPrefix, Now: now}), nil
}

// newCalendar returns the Calendar client. Without an explicit credentials
// file a missing default credential only disables calendar features.
func (a *App) newCalendar(ctx context.Context) (calendarClient, error) {
	file := a.Config.Calendar.CredentialsFile
	cal, err := calendar.NewFromCredentials(ctx, file)
	if err == nil {
		return cal, nil
	}
	if file != "" {
		return nil, err
	}
	a.Log.Warn("calendar disabled: no credentials", zap.Error(err))
	return calendar.Unavailable{Err: err}, nil
}

type calendarClient interface {
	webhook.Provider
	webhook.MeetingSource
}

func (a *App) newResearchClients(ov Overrides) (pipeline.Lookup, pipeline.Synthesizer) {
	// Stage deadlines come from the pipeline, so the client has no timeout.
	client := provider.New(a.Config.Providers, &http.Client{})
	var lookup pipeline.Lookup = client
	var synth pipeline.Synthesizer = client
	if ov.Lookup != nil {
		lookup = ov.Lookup
	}
	if ov.Synthesizer != nil {
		synth = ov.Synthesizer
	}
	return lookup, synth
}

// Workers runs the bus consumers, the renewal scheduler and the cache purge
// loop until ctx is done.
func (a *App) Workers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Bus.Run(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	g.Go(func() error { return a.purgeLoop(ctx) })
	return g.Wait()
}

// Serve runs the workers and the HTTP server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Workers(ctx) })
	g.Go(func() error {
		srv := web.NewServer(a.Config.Listen, a.Orchestrator, a.Receiver, a.Log)
		return web.Run(ctx, srv, a.Log)
	})
	return g.Wait()
}

// Inline runs fn with the workers active and, on an in-process bus, waits
// for every event fn caused to be handled. A durable bus leaves the events
// to a running serve process.
func (a *App) Inline(ctx context.Context, fn func(ctx context.Context) error) error {
	drainer, ok := a.Bus.(interface{ Drain(context.Context) error })
	if !ok {
		return fn(ctx)
	}

	workCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Workers(workCtx) }()

	err := fn(ctx)
	if err == nil {
		err = drainer.Drain(ctx)
	}
	stop()
	if werr := <-done; err == nil {
		err = werr
	}
	return err
}

func (a *App) purgeLoop(ctx context.Context) error {
	interval := a.Config.Cache.PurgeInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.Cache.Purge(ctx)
			if err != nil {
				a.Log.Warn("cache purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.Log.Info("cache purged", zap.Int64("entries", n))
			}
		}
	}
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
