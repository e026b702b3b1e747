package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parseCron accepts both 5-field (standard) and 6-field (with seconds)
// cron expressions, detected by field count (spec.md §6 "Cron surface:
// 5- or 6-field").
func parseCron(expr string) (cron.Schedule, error) {
	if len(strings.Fields(expr)) == 6 {
		return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(expr)
	}
	return cron.ParseStandard(expr)
}

// nextRunAfter computes the next scheduled occurrence after lastRun (or
// after "now minus an instant" if the job has never run), then applies
// the catch-up rule from spec.md §4.7: an occurrence more than an hour
// in the past is abandoned in favor of the next future one; anything
// more recent than that is still worth running late.
func nextRunAfter(sched cron.Schedule, lastRun, now time.Time) time.Time {
	basis := lastRun
	if basis.IsZero() {
		basis = now.Add(-time.Microsecond)
	}
	candidate := sched.Next(basis)
	if candidate.Before(now) && now.Sub(candidate) > time.Hour {
		return sched.Next(now)
	}
	return candidate
}

// minuteSlot renders t truncated to the minute, for the L_slot lock key
// that arbitrates a single leader per scheduled minute across instances
// (spec.md §4.7 "L_slot = acquire(name + ':' + minute_of(scheduled_time), ...)").
func minuteSlot(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format("2006-01-02T15:04")
}
