// Package scheduler runs cron-scheduled jobs, optionally coordinating a
// single active execution per tick across multiple instances via lock
// (spec.md §4.7). Job state is persisted through cache and propagated to
// other instances via bus, rather than scheduler owning any storage or
// transport of its own.
package scheduler

import "context"

// Job describes one scheduled unit of work.
type Job struct {
	Name           string
	CronExpression string
	Enabled        bool
	// Distributed gates a job behind the slot/run lock pair so only one
	// instance among many sharing the same cache/bus executes it per
	// scheduled occurrence (spec.md §4.7 "leader arbitration"). Leave
	// false for jobs that are fine running independently on every
	// instance (e.g. local cache warmers).
	Distributed bool
	Factory     func(ctx context.Context) error
}

// HistoryEntry records one past execution, newest first in
// JobState.History (spec.md §4.7 "bounded history, max 10,
// most-recent-first").
type HistoryEntry struct {
	StartedAt  int64 // UnixNano
	FinishedAt int64 // UnixNano
	Err        string
}

const maxHistory = 10

// JobState is a job's persisted, propagated snapshot (spec.md §6
// "jobs:<name>:state").
type JobState struct {
	Name           string
	CronExpression string
	Enabled        bool
	Running        bool
	Manual         bool
	LastRun        int64 // UnixNano; zero means never run
	NextRun        int64 // UnixNano
	HasNextRun     bool
	LastSuccess    int64 // UnixNano; zero means never succeeded
	LastError      string
	History        []HistoryEntry
}

// JobStateChanged is published whenever a Runner updates a job's
// persisted state, so every other Runner sharing the same bus stays in
// sync without polling the cache (spec.md §6 "job-state-changed{...}").
type JobStateChanged struct {
	OriginID string
	State    JobState
}
