// Package app wires brokerd together: config, logging, the broker, the
// reminder scheduler, the dead-letter archive, and the health endpoint.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"topiq/internal/broker"
	"topiq/internal/config"
	"topiq/internal/eventbus"
	"topiq/internal/reminders"
	sup "topiq/internal/runtime/supervisor"
	"topiq/internal/storage"
	logx "topiq/pkg/logx"
)

// Topics created when the config declares none. Capacities reflect the
// default consumer wiring: email is retried aggressively, system events
// are high-volume and fan out across partitions.
var defaultTopics = []config.TopicConfig{
	{Name: "email", Discipline: "fifo", MaxSize: 500},
	{Name: "meditation", Discipline: "priority", MaxSize: 200},
	{Name: "system", Discipline: "rr", Partitions: 4, MaxSize: 1000},
}

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus    eventbus.Bus
	broker *broker.Broker
	rem    *reminders.Service
	store  storage.Store

	sup     *sup.Supervisor
	httpSrv *http.Server
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	opts, err := brokerOptions(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	b := broker.New(opts, log.With(logx.String("comp", "broker")), bus)

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    bus,
		broker: b,
	}
	a.rem = reminders.New(log.With(logx.String("comp", "reminders")), b)
	return a, nil
}

// Broker exposes the broker for embedding callers (tests, other mains).
func (a *App) Broker() *broker.Broker { return a.broker }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		st, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}, a.log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if st != nil {
			a.store = st
			a.broker.SetDeadLetterSink(st)
			a.log.Info("dead-letter archive enabled", logx.String("driver", cfg.Storage.Driver))
		}
	}

	if err := a.broker.Start(ctx); err != nil {
		return err
	}
	if err := a.createTopics(cfg); err != nil {
		return err
	}
	a.subscribeDefaultConsumers()

	jobs := make([]reminders.Job, 0, len(cfg.Reminder))
	for _, r := range cfg.Reminder {
		jobs = append(jobs, reminders.Job{Name: r.Name, Topic: r.Topic, Spec: r.Spec, Payload: r.Payload})
	}
	if err := a.rem.Register(jobs); err != nil {
		return err
	}
	a.rem.Start()

	a.sup = sup.New(ctx, sup.WithLogger(a.log.With(logx.String("comp", "app"))))
	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgMgr.Watch(c)
	})
	a.sup.Go0("config.apply", a.applyLoop)
	a.sup.Go0("events.log", a.eventLog)

	if cfg.HTTP.Enabled {
		a.startHTTP(cfg.HTTP.Addr)
	}

	a.log.Info("brokerd started", logx.Int("topics", len(a.broker.Topics())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	a.stopHTTP(ctx)
	a.rem.Stop(ctx)
	a.broker.Shutdown(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("brokerd stopped")
	return a.logSvc.Close()
}

func (a *App) createTopics(cfg *config.Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = defaultTopics
	}
	for _, tc := range topics {
		err := a.broker.CreateTopic(tc.Name, broker.TopicConfig{
			Discipline:         broker.ParseDiscipline(tc.Discipline),
			Partitions:         tc.Partitions,
			MaxSize:            tc.MaxSize,
			DeadLetterCapacity: tc.DeadLetterCapacity,
			RatePerSec:         tc.RatePerSec,
		})
		if err != nil {
			return fmt.Errorf("create topic %q: %w", tc.Name, err)
		}
	}
	return nil
}

// subscribeDefaultConsumers attaches a logging consumer to every topic so
// a bare brokerd drains messages instead of filling up. Real deployments
// replace these by subscribing their own handlers through Broker().
func (a *App) subscribeDefaultConsumers() {
	for _, name := range a.broker.Topics() {
		topic := name
		log := a.log.With(logx.String("comp", "consumer"), logx.String("topic", topic))
		_, err := a.broker.Subscribe(topic, "brokerd", func(ctx context.Context, m *broker.Message) error {
			log.Info("message handled",
				logx.String("id", m.ID),
				logx.Int("bytes", len(m.Payload)),
				logx.String("correlation_id", m.CorrelationID))
			return nil
		}, broker.SubscribeOptions{BatchSize: 10, Timeout: 10 * time.Second})
		if err != nil {
			log.Warn("default consumer subscribe failed", logx.Err(err))
		}
	}
}

// applyLoop reacts to config reloads. Only logging and reminder changes
// apply live; topic and broker-option changes need a restart.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// eventLog surfaces dead-letter events at warn level so operators see
// failing workflows without polling metrics.
func (a *App) eventLog(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeMessageDeadLettered {
				continue
			}
			me, _ := ev.Data.(broker.MessageEvent)
			a.log.Warn("dead letter",
				logx.String("topic", me.Topic),
				logx.String("id", me.ID),
				logx.Int("attempts", me.Attempts),
				logx.String("err", me.Error))
		}
	}
}

func brokerOptions(cfg *config.Config) (broker.Options, error) {
	var o broker.Options
	var err error
	if o.BaseRetryDelay, err = config.ParseDurationField("broker.base_retry_delay", cfg.Broker.BaseRetryDelay); err != nil {
		return o, err
	}
	if o.IdleBackoff, err = config.ParseDurationField("broker.idle_backoff", cfg.Broker.IdleBackoff); err != nil {
		return o, err
	}
	if o.MetricsInterval, err = config.ParseDurationField("broker.metrics_interval", cfg.Broker.MetricsInterval); err != nil {
		return o, err
	}
	if o.ThroughputWindow, err = config.ParseDurationField("broker.throughput_window", cfg.Broker.ThroughputWindow); err != nil {
		return o, err
	}
	if o.ShutdownGrace, err = config.ParseDurationField("broker.shutdown_grace", cfg.Broker.ShutdownGrace); err != nil {
		return o, err
	}
	o.DefaultMaxAttempts = cfg.Broker.DefaultMaxAttempts
	o.DeadLetterCapacity = cfg.Broker.DeadLetterCapacity

	if h := cfg.Health; h != nil {
		o.Health.ErrorRate = h.ErrorRate
		o.Health.QueueFullRatio = h.QueueFullRatio
		if o.Health.InactiveAfter, err = config.ParseDurationField("health.inactive_after", h.InactiveAfter); err != nil {
			return o, err
		}
	}
	return o, nil
}
