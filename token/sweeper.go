package token

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openbtps/btps-node-sub001/blog"
)

// Sweeper periodically calls Store.Cleanup on a cron schedule,
// generalizing the periodic-sweep shape certenIO-certen-validator's
// go.mod pulls robfig/cron/v3 in for to BTPS's expired-token sweep
// (spec section 4.4: "Expired tokens must not be returned by get even
// if lazily swept").
type Sweeper struct {
	store Store
	log   blog.Logger
	cron  *cron.Cron
}

// NewSweeper builds a Sweeper that calls store.Cleanup on the given
// cron schedule (standard 5-field expression, e.g. "*/5 * * * *").
func NewSweeper(store Store, log blog.Logger, schedule string) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{store: store, log: log, cron: c}
	if _, err := c.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	removed, err := s.store.Cleanup(time.Now())
	if err != nil {
		s.log.AuditErr("token sweep failed: " + err.Error())
		return
	}
	if removed > 0 {
		s.log.Infof("token sweep removed %d expired record(s)", removed)
	}
}

// Start begins the cron schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }
