// Package notify delivers push messages. Recurring reminder pushes go
// through an async rate-limited queue; one-shot notification records are
// delivered synchronously from a dispatcher worker and marked SENT/FAILED
// exactly once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrStopped   = errors.New("notify stopped")
	ErrQueueFull = errors.New("notify queue full")

	// ErrMuted means user preferences gate this category off. Not a
	// delivery failure; callers treat it as a successful no-op.
	ErrMuted = errors.New("notification muted by preferences")
)

// Pusher sends one message to one user's device(s).
type Pusher interface {
	Push(ctx context.Context, userID string, msg Message) error
}

// PreferenceSource resolves a user's notification preferences. A missing
// row resolves to DefaultPreferences (everything on).
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, bool, error)
}

// NotificationStore is the slice of the persistence layer the one-shot
// path needs.
type NotificationStore interface {
	GetNotification(ctx context.Context, id string) (Notification, bool, error)
	MarkNotification(ctx context.Context, id string, status NotificationStatus, sentAt *time.Time) error
}

type delivery struct {
	userID   string
	category string
	msg      Message
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	started bool

	log     logx.Logger
	bus     eventbus.Bus
	prefs   PreferenceSource
	store   NotificationStore
	pusher  Pusher
	limiter *rate.Limiter

	queue  chan delivery
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, prefs PreferenceSource, store NotificationStore, pusher Pusher, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		prefs:   prefs,
		store:   store,
		pusher:  pusher,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.started = true
	workers := s.cfg.Workers
	stopCh := s.stopCh
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(ctx, stopCh, q, idx)
		}(i)
	}
	s.log.Info("notify pipeline started",
		logx.Int("workers", workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("notify pipeline stopped")
	case <-ctx.Done():
		s.log.Warn("notify stop timed out", logx.Err(ctx.Err()))
	}
}

// ShouldNotify resolves the preference gate for a user+category. Lookup
// errors fail open: losing a reminder is worse than an extra push.
func (s *Service) ShouldNotify(ctx context.Context, userID, category string) bool {
	if s.prefs == nil {
		return true
	}
	p, ok, err := s.prefs.GetPreferences(ctx, userID)
	if err != nil {
		s.log.Warn("preference lookup failed; allowing notification",
			logx.String("user_id", userID), logx.Err(err))
		return true
	}
	if !ok {
		p = DefaultPreferences(userID)
	}
	return p.Allows(category)
}

// Deliver queues an async push. Returns ErrMuted when preferences gate the
// category off, ErrQueueFull when the bounded queue rejects it.
func (s *Service) Deliver(ctx context.Context, userID, category string, msg Message) error {
	s.mu.Lock()
	started := s.started
	enabled := s.cfg.Enabled
	q := s.queue
	s.mu.Unlock()

	if !enabled {
		return ErrDisabled
	}
	if !started {
		return ErrStopped
	}
	if !s.ShouldNotify(ctx, userID, category) {
		s.publish(eventbus.TypeNotifyMuted, DeliveryEvent{UserID: userID, Category: category, Title: msg.Title})
		return ErrMuted
	}

	select {
	case q <- delivery{userID: userID, category: category, msg: msg}:
		return nil
	default:
		s.log.Warn("notification dropped: queue full",
			logx.String("user_id", userID), logx.String("category", category))
		return ErrQueueFull
	}
}

// FireNotification executes a one-shot notification job: load the record
// (missing or already-terminal rows are a silent no-op), apply the
// preference gate, deliver with retry, then mark SENT or FAILED. The caller
// is a dispatcher worker; the returned error is for logging only since the
// retry budget is spent here.
func (s *Service) FireNotification(ctx context.Context, id string) error {
	if s.store == nil {
		return errors.New("notify: no notification store")
	}
	n, ok, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("load notification %s: %w", id, err)
	}
	if !ok || n.Status != StatusPending {
		// Deleted or already handled between enqueue and fire.
		return nil
	}

	if !s.ShouldNotify(ctx, n.UserID, n.Category) {
		s.publish(eventbus.TypeNotifyMuted, DeliveryEvent{UserID: n.UserID, Category: n.Category, Title: n.Message.Title})
		if err := s.store.MarkNotification(ctx, id, StatusFailed, nil); err != nil {
			return fmt.Errorf("mark muted notification %s: %w", id, err)
		}
		return nil
	}

	if err := s.pushWithRetry(ctx, n.UserID, n.Category, n.Message); err != nil {
		if merr := s.store.MarkNotification(ctx, id, StatusFailed, nil); merr != nil {
			s.log.Error("mark failed notification", logx.String("id", id), logx.Err(merr))
		}
		return fmt.Errorf("push notification %s: %w", id, err)
	}

	now := time.Now().UTC()
	if err := s.store.MarkNotification(ctx, id, StatusSent, &now); err != nil {
		return fmt.Errorf("mark sent notification %s: %w", id, err)
	}
	return nil
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan delivery, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case d := <-q:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.pushWithRetry(ctx, d.userID, d.category, d.msg); err != nil {
				log.Error("push failed",
					logx.String("user_id", d.userID),
					logx.String("category", d.category),
					logx.Err(err))
				s.publish(eventbus.TypeNotifyFailed, DeliveryEvent{UserID: d.userID, Category: d.category, Title: d.msg.Title, Error: err.Error()})
				continue
			}
			log.Debug("push sent",
				logx.String("user_id", d.userID),
				logx.String("category", d.category))
			s.publish(eventbus.TypeNotifySent, DeliveryEvent{UserID: d.userID, Category: d.category, Title: d.msg.Title})
		}
	}
}

func (s *Service) pushWithRetry(ctx context.Context, userID, category string, msg Message) error {
	if s.pusher == nil {
		return errors.New("notify: no pusher configured")
	}
	var err error
	delay := s.cfg.RetryBase
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			delay *= 2
			if delay > s.cfg.RetryMaxDelay {
				delay = s.cfg.RetryMaxDelay
			}
		}
		err = s.pusher.Push(ctx, userID, msg)
		if err == nil {
			return nil
		}
	}
	return err
}

func (s *Service) publish(typ string, data DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
