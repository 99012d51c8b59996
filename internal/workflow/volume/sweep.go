package volume

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically calls Manager.ExpireDue so TTL'd volumes move
// to Expired without a caller having to poll. Library:
// github.com/robfig/cron/v3, otherwise unused in this module's scope —
// wired here rather than dropped, since expiry sweeping is exactly the
// recurring-schedule problem cron solves.
type Sweeper struct {
	cron    *cron.Cron
	manager *Manager
	onExpire func(ids []string)
}

// NewSweeper builds a Sweeper over manager. onExpire, if non-nil, is
// called with the ids ExpireDue returned on each tick — the engine
// package's caller wires this to publish VolumeEvent notifications.
func NewSweeper(manager *Manager, onExpire func(ids []string)) *Sweeper {
	return &Sweeper{
		cron:     cron.New(),
		manager:  manager,
		onExpire: onExpire,
	}
}

// Start schedules the sweep at the given cron spec (e.g. "@every 1m")
// and begins running it in the background. Call Stop to shut it down.
func (s *Sweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		expired := s.manager.ExpireDue(time.Now())
		if len(expired) > 0 && s.onExpire != nil {
			s.onExpire(expired)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep, waiting for any in-flight run to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
