package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, lane string, q <-chan job, idx int) {
	log := s.log.With(logx.String("lane", lane), logx.Int("worker", idx))
	rng := rand.New(rand.NewSource(s.clk.Now().UnixNano() + int64(idx)))

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.execute(ctx, stopCh, log, rng, j)
		}
	}
}

func (s *Service) execute(ctx context.Context, stopCh <-chan struct{}, log logx.Logger, rng *rand.Rand, j job) {
	s.mu.Lock()
	cfg := s.cfg
	h := s.handlers[j.typ]
	s.mu.Unlock()

	run := j.run
	if run == nil {
		if h == nil {
			log.Error("job discarded", logx.String("key", j.key), logx.String("type", j.typ), logx.Err(ErrNoHandler))
			s.publish(eventbus.TypeJobFailed, JobEvent{Key: j.key, Lane: j.lane, Type: j.typ, Error: ErrNoHandler.Error()})
			return
		}
		run = func(ctx context.Context) error { return h(ctx, j.payload) }
	}

	start := s.clk.Now()
	s.publish(eventbus.TypeJobStarted, JobEvent{Key: j.key, Lane: j.lane, Type: j.typ})

	var err error
	attempts := 0
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		attempts = attempt + 1
		err = s.runGuarded(ctx, run)
		if err == nil || IsNoRetry(err) {
			break
		}
		if attempt == cfg.RetryMax {
			break
		}
		delay := backoffDelay(cfg, attempt, rng)
		log.Warn("job attempt failed; retrying",
			logx.String("key", j.key),
			logx.String("type", j.typ),
			logx.Int("attempt", attempts),
			logx.Duration("backoff", delay),
			logx.Err(err))
		t := s.clk.Timer(delay)
		select {
		case <-t.C:
		case <-stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	elapsed := s.clk.Now().Sub(start)
	if err != nil {
		log.Error("job failed",
			logx.String("key", j.key),
			logx.String("type", j.typ),
			logx.Int("attempts", attempts),
			logx.Duration("took", elapsed),
			logx.Err(err))
		s.publish(eventbus.TypeJobFailed, JobEvent{Key: j.key, Lane: j.lane, Type: j.typ, Attempts: attempts, Duration: elapsed, Error: err.Error()})
		return
	}
	log.Debug("job done",
		logx.String("key", j.key),
		logx.String("type", j.typ),
		logx.Int("attempts", attempts),
		logx.Duration("took", elapsed))
	s.publish(eventbus.TypeJobFinished, JobEvent{Key: j.key, Lane: j.lane, Type: j.typ, Attempts: attempts, Duration: elapsed})
}

// runGuarded converts handler panics into errors so a bad job cannot take a
// worker down.
func (s *Service) runGuarded(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return run(ctx)
}

// backoffDelay returns base*2^attempt capped at the max delay, with +/-
// jitter to avoid thundering herds.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 {
		span := float64(d) * cfg.RetryJitter
		d += time.Duration((rng.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}
