package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

type job struct {
	lane string
	typ  string
	key  string

	payload Payload
	// run is set for maintenance jobs registered via AddCron; payload jobs
	// resolve their handler by type at execution time.
	run func(ctx context.Context) error

	enqueuedAt time.Time
}

type cronDef struct {
	name    string
	spec    string
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

// Service is the delayed job dispatcher.
//
// The clock is injected so tests can drive time; production uses clock.New().
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	started bool

	handlers map[string]Handler

	queues  map[string]chan job
	workers map[string]int
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Delayed jobs: versioned timers keyed by job key. The version guards
	// against stale callbacks from replaced timers (upsert semantics: at
	// most one pending job per key).
	tmu    sync.Mutex
	timers map[string]*clock.Timer
	vers   map[string]uint64

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef
}

func New(cfg Config, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		clk:      clk,
		handlers: map[string]Handler{},
		timers:   map[string]*clock.Timer{},
		vers:     map[string]uint64{},
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// RegisterHandler binds a job type to its consumer. Must be called before
// jobs of that type fire; re-registering replaces the handler.
func (s *Service) RegisterHandler(jobType string, h Handler) {
	s.mu.Lock()
	s.handlers[jobType] = h
	s.mu.Unlock()
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
	cfg := s.cfg
	s.queues = map[string]chan job{
		LaneReminders:     make(chan job, cfg.QueueSize),
		LaneNotifications: make(chan job, cfg.QueueSize),
	}
	s.workers = map[string]int{
		LaneReminders:     cfg.ReminderWorkers,
		LaneNotifications: cfg.NotificationWorkers,
	}
	s.stopCh = make(chan struct{})
	s.started = true
	stopCh := s.stopCh

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()

	total := 0
	for lane, q := range s.queues {
		n := s.workers[lane]
		total += n
		for i := 0; i < n; i++ {
			s.wg.Add(1)
			go func(lane string, q chan job, idx int) {
				defer s.wg.Done()
				s.worker(ctx, stopCh, lane, q, idx)
			}(lane, q, i)
		}
	}
	schedules := len(s.defs)
	s.mu.Unlock()

	s.log.Info("dispatcher started",
		logx.Int("workers", total),
		logx.Int("queue", cfg.QueueSize),
		logx.Int("schedules", schedules),
		logx.String("tz", loc.String()))
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
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	// Stop pending delayed-job timers; definitions live in the store and are
	// restored by the resync sweep on next start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*clock.Timer{}
	s.vers = map[string]uint64{}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// EnqueueAt schedules a job to fire at an absolute instant.
//
// The delay is computed against the dispatcher clock; a non-positive delay
// is an error, never an immediate fire: a reminder whose instant already
// passed is skipped by the caller, not rushed through.
func (s *Service) EnqueueAt(lane, jobType string, p Payload, at time.Time) error {
	s.mu.Lock()
	cfg := s.cfg
	started := s.started
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if !started {
		return ErrStopped
	}

	now := s.clk.Now()
	delay := at.Sub(now)
	if delay <= 0 {
		return fmt.Errorf("%w: fire time %s is not after now %s", ErrNonPositiveDelay,
			at.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	s.scheduleTimer(lane, jobType, p, delay)
	s.publish(eventbus.TypeJobEnqueued, JobEvent{Key: p.Key(), Lane: lane, Type: jobType, FireAt: at})
	s.log.Debug("job enqueued",
		logx.String("key", p.Key()),
		logx.String("lane", lane),
		logx.String("type", jobType),
		logx.Time("fire_at", at),
		logx.Duration("delay", delay))
	return nil
}

// EnqueueSoon schedules a job on the designated ~1s immediate path, used for
// send-now notifications. This is the only path exempt from the
// non-positive-delay rejection.
func (s *Service) EnqueueSoon(lane, jobType string, p Payload) error {
	s.mu.Lock()
	cfg := s.cfg
	started := s.started
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if !started {
		return ErrStopped
	}
	s.scheduleTimer(lane, jobType, p, ImmediateDelay)
	s.publish(eventbus.TypeJobEnqueued, JobEvent{Key: p.Key(), Lane: lane, Type: jobType, FireAt: s.clk.Now().Add(ImmediateDelay)})
	return nil
}

// Cancel stops a pending delayed job by key. Missing keys are fine: the
// primary cancellation mechanism is the firing handler's load-or-no-op
// check; timer removal is just an optimization.
func (s *Service) Cancel(key string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	_ = t.Stop()
	delete(s.timers, key)
	s.vers[key]++
	return true
}

// HasPending reports whether a delayed job with this key is waiting to fire.
func (s *Service) HasPending(key string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *Service) scheduleTimer(lane, jobType string, p Payload, delay time.Duration) {
	key := p.Key()

	s.tmu.Lock()
	if old, ok := s.timers[key]; ok {
		_ = old.Stop()
		delete(s.timers, key)
	}
	s.vers[key]++
	ver := s.vers[key]

	timer := s.clk.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.vers[key] != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, key)
		s.tmu.Unlock()

		s.submit(job{lane: lane, typ: jobType, key: key, payload: p, enqueuedAt: s.clk.Now()})
	})
	s.timers[key] = timer
	s.tmu.Unlock()
}

func (s *Service) submit(j job) {
	s.mu.Lock()
	q := s.queues[j.lane]
	started := s.started
	s.mu.Unlock()

	if q == nil || !started {
		return
	}
	select {
	case q <- j:
	default:
		s.publish(eventbus.TypeJobDropped, JobEvent{Key: j.key, Lane: j.lane, Type: j.typ, Error: "queue_full"})
		s.log.Warn("job dropped: queue full",
			logx.String("key", j.key),
			logx.String("lane", j.lane),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	qs := map[string]int{}
	for lane, q := range s.queues {
		qs[lane] = len(q)
	}
	defs := len(s.defs)
	s.mu.Unlock()

	s.tmu.Lock()
	pending := len(s.timers)
	s.tmu.Unlock()

	return Snapshot{
		Enabled:   cfg.Enabled,
		Pending:   pending,
		QueueLen:  qs,
		QueueCap:  cfg.QueueSize,
		Schedules: defs,
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(typ string, data JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
