package quota

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the weekly auto-reset check on a schedule so the ledger
// flips over even when no requests arrive around the boundary. The lazy
// check in IsNativeAvailable/Status remains the source of truth; this is
// just a scheduled nudge.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper schedules the Monday 00:00 check in the ledger's timezone.
func NewSweeper(l *Ledger) (*Sweeper, error) {
	c := cron.New(cron.WithLocation(l.loc))
	_, err := c.AddFunc("0 0 * * 1", func() {
		if l.IsNativeAvailable() {
			log.Printf("[Quota] Weekly sweep: native upstream available")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Sweeper{cron: c}, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule without waiting for a running job.
func (s *Sweeper) Stop() { s.cron.Stop() }
