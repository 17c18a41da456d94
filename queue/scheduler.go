package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hazyhaar/silentq/events"
)

var (
	ErrAlreadyRunning = errors.New("queue: a run is already active")
	ErrInvalidMode    = errors.New("queue: invalid mode")
	ErrNoTargets      = errors.New("queue: no valid targets")
)

// Executor performs one action against one target. progress may be called
// any number of times before the final Outcome to report partial results
// (e.g. likes landed so far).
type Executor interface {
	Execute(ctx context.Context, mode Mode, target Target, likesPerTarget int, progress func(ItemStatus)) Outcome
}

// Options tunes the scheduler's pacing machinery. Zero values pick the
// defaults the product shipped with.
type Options struct {
	// ExecTimeout bounds one executor call. A call that outlives it gets a
	// synthesized timeout outcome so a hung channel can't freeze the queue.
	ExecTimeout time.Duration // default 90s
	// FeedbackCooldown is the fixed, unjittered pause after the platform
	// explicitly refuses and asks to wait.
	FeedbackCooldown time.Duration // default 1h
	// AutoThrottleEvery pauses after this many consecutive positive
	// outcomes even when nothing went wrong.
	AutoThrottleEvery    int           // default 40
	AutoThrottleCooldown time.Duration // default 20m
	// TimeoutBackoffBase/Cap shape the exponential pause after synthesized
	// timeouts.
	TimeoutBackoffBase time.Duration // default 30s
	TimeoutBackoffCap  time.Duration // default 15m
	// WatchdogInterval / WatchdogGrace tune the lost-timer repair loop.
	WatchdogInterval time.Duration // default 30s
	WatchdogGrace    time.Duration // default 5s
	Logger           *slog.Logger
}

func (o *Options) defaults() {
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 90 * time.Second
	}
	if o.FeedbackCooldown <= 0 {
		o.FeedbackCooldown = time.Hour
	}
	if o.AutoThrottleEvery <= 0 {
		o.AutoThrottleEvery = 40
	}
	if o.AutoThrottleCooldown <= 0 {
		o.AutoThrottleCooldown = 20 * time.Minute
	}
	if o.TimeoutBackoffBase <= 0 {
		o.TimeoutBackoffBase = 30 * time.Second
	}
	if o.TimeoutBackoffCap <= 0 {
		o.TimeoutBackoffCap = 15 * time.Minute
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 30 * time.Second
	}
	if o.WatchdogGrace <= 0 {
		o.WatchdogGrace = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scheduler owns the queue state machine. All mutation goes through it.
type Scheduler struct {
	store *Store
	exec  Executor
	bus   *events.Bus
	opts  Options

	mu    sync.Mutex
	st    *State
	timer *time.Timer
	// gen increments on every start/stop/reset/resume; timer callbacks and
	// in-flight executor results carry the gen they were armed under and
	// are discarded when it no longer matches.
	gen            uint64
	timeoutStrikes int
	// cancel aborts the in-flight executor call, if any.
	cancel context.CancelFunc
}

// New creates a Scheduler. Call Resume once at startup to pick up a
// persisted run, then RunWatchdog in a goroutine.
func New(store *Store, exec Executor, bus *events.Bus, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{store: store, exec: exec, bus: bus, opts: opts}
}

// Start begins a new run. Targets are normalized (trimmed, deduplicated);
// likesPerTarget < 0 falls back to the config value.
func (s *Scheduler) Start(ctx context.Context, targets []Target, mode Mode, likesPerTarget int, cfg Config) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	targets = NormalizeTargets(targets)
	if len(targets) == 0 {
		return ErrNoTargets
	}
	cfg.normalize()
	if likesPerTarget < 0 {
		likesPerTarget = cfg.LikesPerTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st != nil && s.st.Phase != PhaseIdle && s.st.Phase != PhaseDone {
		return ErrAlreadyRunning
	}

	items := make([]Item, len(targets))
	for i, t := range targets {
		items[i] = Item{Target: t}
	}
	st := &State{
		Items:          items,
		Mode:           mode,
		LikesPerTarget: likesPerTarget,
		Phase:          PhaseIdle,
		Config:         cfg,
	}
	if err := s.store.Save(ctx, st); err != nil {
		return err
	}

	s.st = st
	s.gen++
	s.timeoutStrikes = 0
	s.opts.Logger.Info("queue: run started",
		"targets", len(items), "mode", mode, "likes_per_target", likesPerTarget)
	s.transitionLocked(PhaseWaiting, 0, "")
	return nil
}

// Stop halts the current run in place: timers are cancelled, any in-flight
// result is discarded, and the phase returns to Idle. Progress counters and
// the strike count survive in the persisted state.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st == nil || s.st.Phase == PhaseIdle {
		return nil
	}
	s.gen++
	s.stopTimerLocked()
	s.cancelExecLocked()

	st := s.st
	st.Phase = PhaseIdle
	st.InFlight = false
	st.StartedAt = time.Time{}
	st.NextActionAt = time.Time{}
	st.Reason = ""
	if err := s.store.SaveState(ctx, st); err != nil {
		return err
	}
	s.opts.Logger.Info("queue: run stopped", "processed", st.Processed, "total", len(st.Items))
	s.emitTickLocked()
	return nil
}

// Reset discards the run entirely: persisted state cleared, counters gone.
func (s *Scheduler) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.stopTimerLocked()
	s.cancelExecLocked()
	s.st = nil
	s.timeoutStrikes = 0
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.opts.Logger.Info("queue: state reset")
	s.bus.Publish(events.Event{Type: events.TypeReset})
	return nil
}

// Resume reloads a persisted run after a restart and re-arms its timer from
// the stored deadline. A deadline already in the past fires immediately. A
// run that died mid-execution is re-checked against the execution timeout.
func (s *Scheduler) Resume(ctx context.Context) error {
	st, ok, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.st = st
	s.gen++
	switch st.Phase {
	case PhaseWaiting, PhaseBackoff:
		d := max(time.Until(st.NextActionAt), 0)
		s.opts.Logger.Info("queue: resumed", "phase", st.Phase, "fires_in", d,
			"processed", st.Processed, "total", len(st.Items))
		s.armLocked(d)
		s.emitTickLocked()
	case PhaseExecuting:
		// The in-flight call did not survive the restart. Let the normal
		// timeout machinery retire it.
		d := max(s.opts.ExecTimeout-time.Since(st.StartedAt), 0)
		s.opts.Logger.Warn("queue: resumed mid-execution, awaiting timeout", "fires_in", d)
		s.armLocked(d)
	default:
		s.opts.Logger.Info("queue: resumed", "phase", st.Phase)
	}
	return nil
}

// Snapshot returns a copy of the current state for observers. ok is false
// when no run has ever been loaded or started.
func (s *Scheduler) Snapshot() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st == nil {
		return State{}, false
	}
	cp := *s.st
	cp.Items = make([]Item, len(s.st.Items))
	for i, it := range s.st.Items {
		cp.Items[i] = it
		if it.Status != nil {
			st := *it.Status
			cp.Items[i].Status = &st
		}
	}
	return cp, true
}

// --- timer machinery ---

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) cancelExecLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.stopTimerLocked()
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.st == nil {
		s.mu.Unlock()
		return
	}
	switch s.st.Phase {
	case PhaseWaiting:
		s.beginExecuteLocked() // unlocks
		return
	case PhaseBackoff:
		// Backoff served. Hand over to Waiting with a zero delay rather
		// than executing directly so observers see the phase change.
		s.transitionLocked(PhaseWaiting, 0, "")
	case PhaseExecuting:
		// Restart-recovery path: the call this timer was armed for is
		// gone. Synthesize its timeout once the deadline truly passed.
		if time.Since(s.st.StartedAt) >= s.opts.ExecTimeout {
			s.applyOutcomeLocked(s.st.Cursor,
				Outcome{Status: ItemStatus{Error: "timeout"}, Reason: ReasonTimeout}, true)
		}
	}
	s.mu.Unlock()
}

// beginExecuteLocked moves Waiting → Executing and launches the executor.
// Releases the lock.
func (s *Scheduler) beginExecuteLocked() {
	st := s.st
	st.Phase = PhaseExecuting
	st.StartedAt = time.Now()
	st.InFlight = true
	st.NextActionAt = time.Time{}
	st.Reason = ""
	s.persistLocked()
	s.emitTickLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen
	pos := st.Cursor
	item := st.Items[pos]
	mode := st.Mode
	likes := st.LikesPerTarget
	s.mu.Unlock()

	go s.runItem(ctx, cancel, gen, pos, item, mode, likes)
}

func (s *Scheduler) runItem(ctx context.Context, cancel context.CancelFunc, gen uint64, pos int, item Item, mode Mode, likes int) {
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		done <- s.exec.Execute(ctx, mode, item.Target, likes, func(partial ItemStatus) {
			s.progress(gen, pos, item.ID, partial)
		})
	}()

	timeout := time.NewTimer(s.opts.ExecTimeout)
	defer timeout.Stop()

	select {
	case out := <-done:
		s.outcome(gen, pos, out, false)
	case <-timeout.C:
		cancel()
		s.opts.Logger.Warn("queue: execution timed out", "target", item.ID, "after", s.opts.ExecTimeout)
		s.outcome(gen, pos, Outcome{Status: ItemStatus{Error: "timeout"}, Reason: ReasonTimeout}, true)
	}
}

func (s *Scheduler) progress(gen uint64, pos int, id string, partial ItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.st == nil || s.st.Phase != PhaseExecuting || pos != s.st.Cursor {
		return
	}
	st := partial
	s.st.Items[pos].Status = &st
	if err := s.store.SaveItemStatus(context.Background(), pos, partial); err != nil {
		s.opts.Logger.Error("queue: persist item progress", "target", id, "error", err)
	}
	s.emitItemLocked(id, partial)
}

func (s *Scheduler) outcome(gen uint64, pos int, out Outcome, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.st == nil {
		return
	}
	s.applyOutcomeLocked(pos, out, timedOut)
}

// applyOutcomeLocked runs the full post-item decision ladder. A result for
// an item the queue has already moved past is discarded.
func (s *Scheduler) applyOutcomeLocked(pos int, out Outcome, timedOut bool) {
	st := s.st
	if st.Phase != PhaseExecuting || pos != st.Cursor {
		return
	}

	st.InFlight = false
	st.StartedAt = time.Time{}

	status := out.Status
	st.Items[pos].Status = &status
	if err := s.store.SaveItemStatus(context.Background(), pos, status); err != nil {
		s.opts.Logger.Error("queue: persist item status", "target", st.Items[pos].ID, "error", err)
	}
	s.emitItemLocked(st.Items[pos].ID, status)

	st.Processed++
	st.Cursor++

	feedback := out.Reason == ReasonFeedback || status.Error == ReasonFeedback
	if feedback {
		st.StrikeCount++
	} else {
		st.StrikeCount = 0
	}
	if timedOut {
		out.Backoff = s.timeoutBackoffLocked()
	} else {
		s.timeoutStrikes = 0
	}
	if status.Error != "" {
		st.SuccessStreak = 0
	} else if out.Positive {
		st.SuccessStreak++
	}

	if st.Cursor == len(st.Items) {
		s.finishLocked()
		return
	}

	switch {
	case feedback:
		s.opts.Logger.Warn("queue: feedback cooldown",
			"strikes", st.StrikeCount, "cooldown", s.opts.FeedbackCooldown)
		s.transitionLocked(PhaseBackoff, s.opts.FeedbackCooldown, ReasonFeedback)
	case out.Backoff > 0:
		reason := out.Reason
		if reason == "" {
			reason = status.Error
		}
		s.opts.Logger.Warn("queue: backing off", "reason", reason, "backoff", out.Backoff)
		s.transitionLocked(PhaseBackoff, out.Backoff, reason)
	case st.SuccessStreak > 0 && st.SuccessStreak%s.opts.AutoThrottleEvery == 0:
		s.opts.Logger.Info("queue: auto-throttle pause",
			"streak", st.SuccessStreak, "cooldown", s.opts.AutoThrottleCooldown)
		s.transitionLocked(PhaseBackoff, s.opts.AutoThrottleCooldown, ReasonAutoThrottle)
	default:
		s.transitionLocked(PhaseWaiting, s.nextDelayLocked(), "")
	}
}

func (s *Scheduler) finishLocked() {
	st := s.st
	st.Phase = PhaseDone
	st.NextActionAt = time.Time{}
	st.Reason = ""
	s.stopTimerLocked()
	s.persistLocked()
	s.opts.Logger.Info("queue: run complete", "processed", st.Processed)
	s.bus.Publish(events.Event{
		Type:      events.TypeDone,
		Processed: st.Processed,
		Total:     len(st.Items),
	})
	s.emitTickLocked()
}

func (s *Scheduler) transitionLocked(to Phase, d time.Duration, reason string) {
	st := s.st
	if !CanTransition(st.Phase, to) {
		s.opts.Logger.Error("queue: illegal transition", "from", st.Phase, "to", to)
		return
	}
	st.Phase = to
	st.NextActionAt = time.Now().Add(d)
	st.Reason = reason
	s.persistLocked()
	s.emitTickLocked()
	s.armLocked(d)
}

func (s *Scheduler) persistLocked() {
	if err := s.store.SaveState(context.Background(), s.st); err != nil {
		s.opts.Logger.Error("queue: persist state", "error", err)
	}
}

// timeoutBackoffLocked doubles per consecutive synthesized timeout.
func (s *Scheduler) timeoutBackoffLocked() time.Duration {
	d := min(s.opts.TimeoutBackoffBase<<s.timeoutStrikes, s.opts.TimeoutBackoffCap)
	s.timeoutStrikes++
	return d
}

// nextDelayLocked is base ± base*jitterPct/100.
func (s *Scheduler) nextDelayLocked() time.Duration {
	cfg := s.st.Config
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	if cfg.JitterPct <= 0 {
		return base
	}
	span := float64(base) * float64(cfg.JitterPct) / 100
	return max(base+time.Duration(span*(rand.Float64()*2-1)), 0)
}

func (s *Scheduler) emitTickLocked() {
	st := s.st
	s.bus.Publish(events.Event{
		Type:         events.TypeTick,
		Processed:    st.Processed,
		Total:        len(st.Items),
		Phase:        string(st.Phase),
		NextActionAt: msOrZero(st.NextActionAt),
		Reason:       st.Reason,
		Strikes:      st.StrikeCount,
	})
}

func (s *Scheduler) emitItemLocked(id string, status ItemStatus) {
	raw, err := json.Marshal(status)
	if err != nil {
		s.opts.Logger.Error("queue: marshal item status", "target", id, "error", err)
		return
	}
	s.bus.Publish(events.Event{
		Type:   events.TypeItem,
		ItemID: id,
		Status: raw,
	})
}
