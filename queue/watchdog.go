package queue

import (
	"context"
	"time"
)

// RunWatchdog periodically repairs the scheduler when a timer was lost:
// a Waiting/Backoff deadline well in the past with nothing armed to serve
// it, or an execution stuck past its timeout. Timers normally fire on their
// own; the watchdog is the safety net for missed wakeups around suspends
// and clock jumps. Blocks until ctx is done.
func (s *Scheduler) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.patrol()
		}
	}
}

func (s *Scheduler) patrol() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st == nil {
		return
	}
	st := s.st
	now := time.Now()

	switch st.Phase {
	case PhaseWaiting, PhaseBackoff:
		if st.NextActionAt.IsZero() {
			return
		}
		if overdue := now.Sub(st.NextActionAt); overdue > s.opts.WatchdogGrace {
			s.opts.Logger.Warn("queue: watchdog re-arming overdue timer",
				"phase", st.Phase, "overdue", overdue)
			s.armLocked(0)
		}
	case PhaseExecuting:
		if st.StartedAt.IsZero() {
			return
		}
		if elapsed := now.Sub(st.StartedAt); elapsed > s.opts.ExecTimeout+s.opts.WatchdogGrace {
			s.opts.Logger.Warn("queue: watchdog retiring stuck execution",
				"target", st.Items[st.Cursor].ID, "elapsed", elapsed)
			s.applyOutcomeLocked(st.Cursor,
				Outcome{Status: ItemStatus{Error: "timeout"}, Reason: ReasonTimeout}, true)
		}
	}
}
