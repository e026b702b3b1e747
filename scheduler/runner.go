package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/latticekit/foundation/bus"
	"github.com/latticekit/foundation/cache"
	"github.com/latticekit/foundation/lock"
	"github.com/latticekit/foundation/logging"
	"github.com/latticekit/foundation/timesource"
)

// Options configures a Runner. Cache, Bus and Locks must be shared
// across every Runner instance that should coordinate as one distributed
// scheduler (spec.md §2 data flow).
type Options struct {
	Cache  cache.Client
	Bus    *bus.Bus
	Locks  *lock.Provider
	Clock  timesource.Clock
	Logger logging.Logger
	// ReadyGate, if set, delays Start until it's closed or receives a
	// value (spec.md §4.7 "startup gate await").
	ReadyGate <-chan struct{}
}

type jobEntry struct {
	job Job

	mu       sync.Mutex
	schedule cron.Schedule
	state    JobState
}

// Runner drives a set of registered Jobs against their cron schedules.
type Runner struct {
	originID string
	cache    cache.Client
	bus      *bus.Bus
	locks    *lock.Provider
	clock    timesource.Clock
	logger   logging.Logger
	ready    <-chan struct{}

	mu   sync.Mutex
	jobs map[string]*jobEntry

	sub     bus.Subscription
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Runner. Call Register for each job, then Start.
func New(opt Options) *Runner {
	clock := opt.Clock
	if clock == nil {
		clock = timesource.Real{}
	}
	logger := opt.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{
		originID: uuid.NewString(),
		cache:    opt.Cache,
		bus:      opt.Bus,
		locks:    opt.Locks,
		clock:    clock,
		logger:   logger,
		ready:    opt.ReadyGate,
		jobs:     make(map[string]*jobEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds job. An invalid cron expression disables the job rather
// than failing registration (spec.md §4.7 "parse failures disable job
// (next_run=null, logged)"); the returned error reports that condition
// to the caller too.
func (r *Runner) Register(job Job) error {
	sched, err := parseCron(job.CronExpression)
	if err != nil {
		job.Enabled = false
		r.logger.Error("scheduler: invalid cron expression, job disabled",
			logging.F("job", job.Name), logging.F("cron", job.CronExpression), logging.F("error", err.Error()))
	}

	e := &jobEntry{
		job:      job,
		schedule: sched,
		state: JobState{
			Name:           job.Name,
			CronExpression: job.CronExpression,
			Enabled:        job.Enabled,
		},
	}

	r.mu.Lock()
	r.jobs[job.Name] = e
	r.mu.Unlock()
	return err
}

// Start subscribes to state propagation, reconciles every registered
// job's persisted state against local config, and begins the
// minute-aligned tick loop.
func (r *Runner) Start(ctx context.Context) error {
	if r.ready != nil {
		select {
		case <-r.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.sub = bus.Subscribe(r.bus, r.onStateChanged)

	r.mu.Lock()
	entries := make([]*jobEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	for _, e := range entries {
		r.reconcile(ctx, e, now)
	}

	r.started.Store(true)
	go r.tickLoop(ctx)
	return nil
}

// Close stops the tick loop and unsubscribes from state propagation.
func (r *Runner) Close() error {
	close(r.stop)
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.started.Load() {
		<-r.done
	}
	return nil
}

// RunNow executes name immediately, bypassing its schedule (spec.md
// §4.7 "Manual runs: bypass next_run, manual=true, scheduled_time=epoch").
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}

	e.mu.Lock()
	running := e.state.Running
	e.mu.Unlock()
	if running {
		return fmt.Errorf("scheduler: job %q is already running", name)
	}

	r.start(ctx, e, time.Unix(0, 0).UTC(), true)
	return nil
}

// Snapshot returns every registered job's current state (an addition
// beyond the persisted/propagated state, for local introspection).
func (r *Runner) Snapshot() []JobState {
	r.mu.Lock()
	entries := make([]*jobEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]JobState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

func stateKey(name string) string   { return "jobs:" + name + ":state" }
func nextRunKey(name string) string { return "jobs:" + name + ":next_run" }

// reconcile loads name's persisted state at startup. If it's absent or
// its cron disagrees with local config, local config wins: the entry's
// state is rebuilt from the job definition and republished (spec.md
// §4.7 "local config wins on cron mismatch").
func (r *Runner) reconcile(ctx context.Context, e *jobEntry, now time.Time) {
	var stored JobState
	if v, ok := r.cache.Get(ctx, stateKey(e.job.Name)); ok {
		if s, ok2 := v.(JobState); ok2 {
			stored = s
		}
	}

	e.mu.Lock()
	if stored.Name == e.job.Name && stored.CronExpression == e.job.CronExpression {
		e.state = stored
		e.mu.Unlock()
		return
	}

	e.state = JobState{
		Name:           e.job.Name,
		CronExpression: e.job.CronExpression,
		Enabled:        e.job.Enabled,
	}
	if e.job.Enabled && e.schedule != nil {
		next := nextRunAfter(e.schedule, time.Time{}, now)
		e.state.NextRun = next.UnixNano()
		e.state.HasNextRun = true
	}
	snapshot := e.state
	e.mu.Unlock()

	r.publishState(ctx, e, snapshot)
}

// onStateChanged applies a state update received from another Runner
// instance sharing the same bus. Our own publishes are filtered by
// OriginID: publishState never re-publishes on apply, so there's no
// feedback loop to guard against beyond that check (spec.md §4.7
// loop-guard property).
func (r *Runner) onStateChanged(_ context.Context, msg JobStateChanged) {
	if msg.OriginID == r.originID {
		return
	}

	r.mu.Lock()
	e, ok := r.jobs[msg.State.Name]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = msg.State
	if sched, err := parseCron(msg.State.CronExpression); err == nil {
		e.schedule = sched
	}
}

func (r *Runner) tickLoop(ctx context.Context) {
	defer close(r.done)
	for {
		now := r.clock.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		if err := r.clock.Sleep(ctx, next.Sub(now)); err != nil {
			return
		}
		select {
		case <-r.stop:
			return
		default:
		}
		r.tick(ctx)
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*jobEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	for _, e := range entries {
		r.maybeRun(ctx, e, now)
	}
}

func (r *Runner) maybeRun(ctx context.Context, e *jobEntry, now time.Time) {
	e.mu.Lock()
	enabled := e.state.Enabled
	running := e.state.Running
	nextRunNanos := e.state.NextRun
	hasNext := e.state.HasNextRun
	e.mu.Unlock()

	if !enabled || running {
		return
	}

	// Prefer the cache's view of next_run over the purely local one, so
	// a sibling instance's reconciliation or execution is respected
	// (spec.md §4.7 "reads <job>:next_run from cache or recompute
	// locally").
	if v, ok := r.cache.Get(ctx, nextRunKey(e.job.Name)); ok {
		if nanos, ok2 := v.(int64); ok2 {
			nextRunNanos = nanos
			hasNext = true
		}
	}

	if !hasNext || time.Unix(0, nextRunNanos).After(now) {
		return
	}

	r.start(ctx, e, now, false)
}

func (r *Runner) start(ctx context.Context, e *jobEntry, scheduledTime time.Time, manual bool) {
	var slotHandle, runHandle *lock.Handle

	if e.job.Distributed {
		slotKey := e.job.Name + ":manual"
		if !manual {
			slotKey = e.job.Name + ":" + minuteSlot(scheduledTime)
		}

		var err error
		slotHandle, err = r.locks.Acquire(ctx, slotKey, time.Hour, 0)
		if err != nil {
			r.logger.Warn("scheduler: slot lock error", logging.F("job", e.job.Name), logging.F("error", err.Error()))
			return
		}
		if slotHandle == nil {
			return // another instance already owns this slot — silent
		}

		runHandle, err = r.locks.Acquire(ctx, e.job.Name, 15*time.Minute, 0)
		if err != nil || runHandle == nil {
			_ = slotHandle.Release(ctx)
			if err != nil {
				r.logger.Warn("scheduler: run lock error", logging.F("job", e.job.Name), logging.F("error", err.Error()))
			}
			return
		}
	}

	e.mu.Lock()
	e.state.Running = true
	e.state.Manual = manual
	lastRun := scheduledTime
	if manual {
		lastRun = r.clock.Now()
	}
	e.state.LastRun = lastRun.UnixNano()
	if !manual && e.schedule != nil {
		next := nextRunAfter(e.schedule, scheduledTime, r.clock.Now())
		e.state.NextRun = next.UnixNano()
		e.state.HasNextRun = true
	}
	snapshot := e.state
	e.mu.Unlock()

	r.publishState(ctx, e, snapshot)

	go r.execute(ctx, e, slotHandle, runHandle)
}

func (r *Runner) execute(ctx context.Context, e *jobEntry, slotHandle, runHandle *lock.Handle) {
	started := r.clock.Now()
	err := r.runFactory(ctx, e.job)
	finished := r.clock.Now()

	if err != nil {
		r.logger.Error("scheduler: job failed", logging.F("job", e.job.Name), logging.F("error", err.Error()))
	}

	e.mu.Lock()
	e.state.Running = false
	entry := HistoryEntry{StartedAt: started.UnixNano(), FinishedAt: finished.UnixNano()}
	if err != nil {
		entry.Err = err.Error()
		e.state.LastError = err.Error()
	} else {
		e.state.LastError = ""
		e.state.LastSuccess = finished.UnixNano()
	}
	e.state.History = append([]HistoryEntry{entry}, e.state.History...)
	if len(e.state.History) > maxHistory {
		e.state.History = e.state.History[:maxHistory]
	}
	manual := e.state.Manual
	snapshot := e.state
	e.mu.Unlock()

	r.publishState(ctx, e, snapshot)

	if runHandle != nil {
		_ = runHandle.Release(ctx)
	}
	if slotHandle != nil && manual {
		_ = slotHandle.Release(ctx)
	}
}

// runFactory invokes the job's Factory, converting a panic into an
// error so one misbehaving job never takes down the tick loop (spec.md
// §4.7 "executor exceptions caught → last_error, don't crash loop").
func (r *Runner) runFactory(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler: job %q panicked: %v", job.Name, p)
		}
	}()
	return job.Factory(ctx)
}

func (r *Runner) publishState(ctx context.Context, e *jobEntry, state JobState) {
	if _, err := r.cache.Set(ctx, stateKey(e.job.Name), state, cache.NoTTL); err != nil {
		r.logger.Warn("scheduler: failed to persist job state", logging.F("job", e.job.Name), logging.F("error", err.Error()))
	}
	if state.HasNextRun {
		if _, err := r.cache.Set(ctx, nextRunKey(e.job.Name), state.NextRun, cache.NoTTL); err != nil {
			r.logger.Warn("scheduler: failed to persist next_run", logging.F("job", e.job.Name), logging.F("error", err.Error()))
		}
	}
	if err := bus.Publish(ctx, r.bus, JobStateChanged{OriginID: r.originID, State: state}); err != nil {
		r.logger.Warn("scheduler: failed to publish job state", logging.F("job", e.job.Name), logging.F("error", err.Error()))
	}
}
