// Package app wires the daemon together: config, logging, storage, the
// dispatcher, the notify pipeline and the domain schedulers.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"remindd/internal/config"
	"remindd/internal/dispatch"
	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/notify/telegram"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

// JobTypeNotification is the dispatcher job type for one-shot notification
// records (task created/assigned, alarm trigger).
const JobTypeNotification = "notification.send"

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store    storage.Store
	disp     *dispatch.Service
	notifier *notify.Service
	pusher   notify.Pusher
	tg       *telegram.Pusher
	planner  *reminder.Planner
	firing   *reminder.Firing

	wg     sync.WaitGroup
	cancel context.CancelFunc
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
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}, nil
}

// Planner exposes the domain schedulers to the embedding transport layer.
func (a *App) Planner() *reminder.Planner { return a.planner }

// Store exposes the persistence layer to the embedding transport layer.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	dispCfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dispCfg, clock.New(), a.log.With(logx.String("svc", "dispatch")), a.bus)

	a.pusher = a.buildPusher(cfg)
	notifyCfg, err := notifyConfig(cfg.Notify)
	if err != nil {
		return err
	}
	a.notifier = notify.New(notifyCfg, store, store, a.pusher,
		a.log.With(logx.String("svc", "notify")), a.bus)

	a.planner = reminder.NewPlanner(store, a.disp, a.log.With(logx.String("svc", "planner")))
	a.firing = reminder.NewFiring(store, a.disp, a.notifier, a.log.With(logx.String("svc", "firing")))

	a.disp.RegisterHandler(reminder.JobTypeFire, a.firing.HandleFire)
	a.disp.RegisterHandler(JobTypeNotification, func(ctx context.Context, p dispatch.Payload) error {
		// The notify pipeline spends its own retry budget; don't stack the
		// dispatcher's on top.
		if err := a.notifier.FireNotification(ctx, p.NotificationID); err != nil {
			return dispatch.NoRetry(err)
		}
		return nil
	})

	retention, err := config.ParseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	if err != nil {
		return err
	}
	a.firing.SetRetention(retention)

	resyncSpec := cfg.Maintenance.ResyncSpec
	if resyncSpec == "" {
		resyncSpec = "*/15 * * * *"
	}
	cleanupSpec := cfg.Maintenance.CleanupSpec
	if cleanupSpec == "" {
		cleanupSpec = "@daily"
	}
	if err := a.disp.AddCron("resync", resyncSpec, a.firing.Resync); err != nil {
		return err
	}
	if err := a.disp.AddCron("cleanup", cleanupSpec, a.firing.CleanupExpired); err != nil {
		return err
	}

	a.notifier.Start(ctx)
	a.disp.Start(ctx)

	// Timers are in-memory only; restore them from the store before
	// declaring readiness.
	if err := a.firing.Resync(ctx); err != nil {
		a.log.Warn("initial resync failed", logx.Err(err))
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Give the lifecycle events a consumer: trace job/notify traffic in the
	// debug log. External sinks subscribe the same way.
	events, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		evLog := a.log.With(logx.String("svc", "events"))
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				evLog.Debug(ev.Type, logx.Time("at", ev.Time), logx.Any("data", ev.Data))
			}
		}
	}()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(watchCtx)
	}()
	sub := a.cfgMgr.Subscribe(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-watchCtx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(next)
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("remindd started", logx.String("storage", cfg.Storage.Path))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	if a.disp != nil {
		a.disp.Stop(ctx)
	}
	if a.notifier != nil {
		a.notifier.Stop(ctx)
	}
	a.wg.Wait()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("remindd stopped")
	return a.logSvc.Close()
}

// SendNow records a one-shot notification and pushes it through the ~1s
// immediate path. Used for task-created/assigned and alarm-trigger pushes.
func (a *App) SendNow(ctx context.Context, userID, category string, msg notify.Message) error {
	n := notify.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Category:  category,
		Message:   msg,
		Status:    notify.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.PutNotification(ctx, n); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	p := dispatch.Payload{NotificationID: n.ID, UserID: userID, Category: category}
	if err := a.disp.EnqueueSoon(dispatch.LaneNotifications, JobTypeNotification, p); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// applyReload pushes a committed config change into the running services.
// Only logging and the telegram chat mapping apply live; queue/worker
// topology changes need a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if a.tg != nil && cfg.Telegram.Enabled {
		a.tg.UpdateChats(cfg.Telegram.Chats)
	}
	a.log.Info("config applied")
}

func (a *App) buildPusher(cfg *config.Config) notify.Pusher {
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Enabled: true,
			Token:   cfg.Telegram.Token,
			Chats:   cfg.Telegram.Chats,
		}, a.log.With(logx.String("svc", "telegram")))
		if err == nil {
			a.tg = tg
			return tg
		}
		a.log.Error("telegram pusher init failed; falling back to log delivery", logx.Err(err))
	}
	return logPusher{log: a.log.With(logx.String("svc", "push"))}
}

// logPusher is the delivery channel of last resort: it writes the push to
// the log so a misconfigured daemon still surfaces reminders somewhere.
type logPusher struct {
	log logx.Logger
}

func (p logPusher) Push(ctx context.Context, userID string, msg notify.Message) error {
	p.log.Info("push",
		logx.String("user_id", userID),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body))
	return nil
}

func dispatchConfig(c config.DispatchConfig) (dispatch.Config, error) {
	retryBase, err := config.ParseDurationField("dispatch.retry_base", c.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:             c.Enabled,
		QueueSize:           c.QueueSize,
		ReminderWorkers:     c.ReminderWorkers,
		NotificationWorkers: c.NotificationWorkers,
		RetryMax:            c.RetryMax,
		RetryBase:           retryBase,
		RetryMaxDelay:       retryMaxDelay,
		RetryJitter:         c.RetryJitter,
		Timezone:            c.Timezone,
	}, nil
}

func notifyConfig(c config.NotifyConfig) (notify.Config, error) {
	retryBase, err := config.ParseDurationField("notify.retry_base", c.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notify.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       c.Enabled,
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}
