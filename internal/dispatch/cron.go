package dispatch

import (
	"context"
	"fmt"

	logx "remindd/pkg/logx"
)

// AddCron registers a recurring maintenance job (resync sweep, expired
// cleanup). The spec uses the standard five-field cron syntax plus
// descriptors like @hourly. Jobs run through the reminders lane so they
// share its worker pool and panic/retry guard.
//
// May be called before Start; definitions registered later are added to the
// running scheduler immediately.
func (s *Service) AddCron(name, spec string, fn func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: parse %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, cronDef{name: name, spec: spec, job: fn})
	if s.c != nil {
		s.addCronLocked(&s.defs[len(s.defs)-1])
	}
	return nil
}

func (s *Service) addCronLocked(def *cronDef) {
	name, fn := def.name, def.job
	id, err := s.c.AddFunc(def.spec, func() {
		s.submit(job{
			lane:       LaneReminders,
			typ:        "maintenance",
			key:        "cron:" + name,
			run:        fn,
			enqueuedAt: s.clk.Now(),
		})
	})
	if err != nil {
		// Parse already validated the spec; this should not happen.
		s.log.Error("cron registration failed", logx.String("name", def.name), logx.Err(err))
		return
	}
	def.entryID = id
	s.log.Debug("cron registered", logx.String("name", def.name), logx.String("spec", def.spec))
}
