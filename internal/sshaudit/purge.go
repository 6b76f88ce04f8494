package sshaudit

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// StartPurgeSchedule runs a.PurgeOlderThan with the configured retention on
// the given cron spec (for example "@daily" or "0 3 * * *"). The returned
// scheduler is already started; call Stop on shutdown.
func StartPurgeSchedule(a *Auditor, spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = "@daily"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := a.PurgeOlderThan(0); err != nil {
			log.Printf("[ssh-audit] scheduled purge: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	c.Start()
	log.Printf("[ssh-audit] retention purge scheduled (%s, %d days)", spec, a.RetentionDays())
	return c, nil
}
