// Package queue is the rate-limited scheduler at the heart of the daemon.
// It advances a durable list of targets one throttled action at a time,
// survives process restarts by re-arming timers from persisted deadlines,
// and adapts its pacing to the platform's rate-limit signals.
package queue

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the scheduler's state-machine phase. Exactly one holds at a time
// and transitions happen only inside the scheduler.
type Phase string

const (
	// PhaseIdle: no run active. The only phase before the first start.
	PhaseIdle Phase = "idle"
	// PhaseWaiting: a delay timer is armed for the next action.
	PhaseWaiting Phase = "waiting"
	// PhaseExecuting: one action is in flight.
	PhaseExecuting Phase = "executing"
	// PhaseBackoff: paused after a rate-limit style outcome.
	PhaseBackoff Phase = "backoff"
	// PhaseDone: the run completed. Terminal until the next start or reset.
	PhaseDone Phase = "done"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseWaiting},
	PhaseWaiting:   {PhaseExecuting, PhaseIdle, PhaseDone},
	PhaseExecuting: {PhaseWaiting, PhaseBackoff, PhaseDone, PhaseIdle},
	PhaseBackoff:   {PhaseWaiting, PhaseIdle},
	PhaseDone:      {PhaseIdle},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Mode selects the action performed per target.
type Mode string

const (
	ModeFollow        Mode = "follow"
	ModeFollowAndLike Mode = "follow_like"
	ModeUnfollow      Mode = "unfollow"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFollow, ModeFollowAndLike, ModeUnfollow:
		return true
	}
	return false
}

// Target is one account to act on. ID is the stable key; Handle is
// informational.
type Target struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
}

// NormalizeTargets trims ids, drops empties and deduplicates by id,
// preserving first-seen order.
func NormalizeTargets(in []Target) []Target {
	seen := make(map[string]struct{}, len(in))
	out := make([]Target, 0, len(in))
	for _, t := range in {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		t.Handle = strings.TrimSpace(t.Handle)
		out = append(out, t)
	}
	return out
}

// Config is the per-run pacing configuration.
type Config struct {
	// BaseDelayMs is the nominal gap between actions. Values below 1000
	// fall back to the default.
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
	// JitterPct randomizes each delay by ±pct.
	JitterPct int `json:"jitter_pct" yaml:"jitter_pct"`
	// LikesPerTarget is how many recent posts to like in follow_like mode.
	LikesPerTarget int `json:"likes_per_target" yaml:"likes_per_target"`
	// IncludeAlreadyRelated disables the pre-run related filter.
	IncludeAlreadyRelated bool `json:"include_already_related" yaml:"include_already_related"`
}

// DefaultConfig mirrors the pacing the product shipped with.
func DefaultConfig() Config {
	return Config{BaseDelayMs: 3000, JitterPct: 20, LikesPerTarget: 1}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.BaseDelayMs < 1000 {
		c.BaseDelayMs = def.BaseDelayMs
	}
	if c.JitterPct < 0 || c.JitterPct > 100 {
		c.JitterPct = def.JitterPct
	}
	if c.LikesPerTarget < 0 {
		c.LikesPerTarget = 0
	}
}

// ItemStatus is the normalized per-item result, persisted alongside the
// item and pushed to observers verbatim.
type ItemStatus struct {
	Error          string `json:"error,omitempty"`
	Followed       bool   `json:"followed,omitempty"`
	Unfollowed     bool   `json:"unfollowed,omitempty"`
	AlreadyRelated bool   `json:"already_related,omitempty"`
	LikesDone      int    `json:"likes_done,omitempty"`
	LikesTotal     int    `json:"likes_total,omitempty"`
	// LikesSkipped says why no likes were attempted ("no media", a fetch
	// failure); empty when likes ran or were never requested.
	LikesSkipped string `json:"likes_skipped,omitempty"`
}

// Outcome is what an executor reports back for one item.
type Outcome struct {
	Status ItemStatus
	// Backoff, when nonzero, pauses the queue before the next item.
	Backoff time.Duration
	// Reason tags the backoff for observers.
	Reason string
	// Positive marks outcomes that extend the success streak.
	Positive bool
}

// Backoff reasons surfaced in tick events.
const (
	ReasonFeedback     = "feedbackRequired"
	ReasonAutoThrottle = "autoThrottle"
	ReasonTimeout      = "timeout"
)

// Item is one queue entry with its result, if processed.
type Item struct {
	Target
	Status *ItemStatus `json:"status,omitempty"`
}

// State is the scheduler's persisted record. The scheduler owns it
// exclusively; everyone else sees copies via Snapshot.
type State struct {
	Items          []Item
	Cursor         int
	Processed      int
	Mode           Mode
	LikesPerTarget int
	Phase          Phase
	// NextActionAt is the wall-clock deadline for the next transition.
	// Zero outside Waiting and Backoff.
	NextActionAt time.Time
	// StartedAt is set on entering Executing, for timeout detection.
	StartedAt time.Time
	InFlight  bool
	// SuccessStreak counts consecutive positive outcomes since the last
	// error or throttle pause.
	SuccessStreak int
	// StrikeCount counts consecutive explicit platform refusals.
	StrikeCount int
	// Reason tags the current backoff, empty otherwise.
	Reason string
	Config Config
}

func (s *State) validate() error {
	if s.Cursor < 0 || s.Cursor > len(s.Items) {
		return fmt.Errorf("queue: cursor %d out of range [0,%d]", s.Cursor, len(s.Items))
	}
	return nil
}

// Remaining returns how many items have not been processed yet.
func (s *State) Remaining() int {
	return len(s.Items) - s.Cursor
}
