// Package action performs one platform action per call and turns whatever
// comes back into the queue's normalized outcome. It also keeps the caches
// honest: any result implying a relationship now exists is registered in
// the durable seen set and the session index, so neither this run nor the
// next wastes an action slot on the same account.
package action

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/silentq/bridge"
	"github.com/hazyhaar/silentq/friendship"
	"github.com/hazyhaar/silentq/queue"
	"github.com/hazyhaar/silentq/seenset"
	"github.com/hazyhaar/silentq/warmindex"
)

// Options tunes the executor's transient backoff progression.
type Options struct {
	// BackoffBase is the first transient backoff, doubling per consecutive
	// transient failure. Default: 30s.
	BackoffBase time.Duration
	// BackoffCap bounds the progression. Default: 15m.
	BackoffCap time.Duration
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 15 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Executor implements queue.Executor over a bridge.Channel.
type Executor struct {
	ch     bridge.Channel
	seen   *seenset.Set
	warm   *warmindex.Index
	oracle *friendship.Oracle
	opts   Options

	mu sync.Mutex
	// consecutive transient failures, reset by any non-transient outcome
	transientStrikes int
}

// New creates an Executor. seen, warm and oracle may be nil; registration
// side effects are then skipped.
func New(ch bridge.Channel, seen *seenset.Set, warm *warmindex.Index, oracle *friendship.Oracle, opts Options) *Executor {
	opts.defaults()
	return &Executor{ch: ch, seen: seen, warm: warm, oracle: oracle, opts: opts}
}

// Execute performs one action and classifies the result. Never returns an
// error: failures are encoded in the outcome so the scheduler can decide
// pacing.
func (e *Executor) Execute(ctx context.Context, mode queue.Mode, target queue.Target, likesPerTarget int, progress func(queue.ItemStatus)) queue.Outcome {
	if progress == nil {
		progress = func(queue.ItemStatus) {}
	}
	switch mode {
	case queue.ModeFollow:
		return e.follow(ctx, target, 0, progress)
	case queue.ModeFollowAndLike:
		return e.follow(ctx, target, likesPerTarget, progress)
	case queue.ModeUnfollow:
		return e.unfollow(ctx, target)
	default:
		return queue.Outcome{Status: queue.ItemStatus{Error: "unknown mode " + string(mode)}}
	}
}

func (e *Executor) follow(ctx context.Context, target queue.Target, likes int, progress func(queue.ItemStatus)) queue.Outcome {
	resp, err := e.ch.Send(ctx, bridge.Request{
		Kind:   bridge.KindFollow,
		UserID: target.ID,
		Handle: target.Handle,
	})
	if err != nil {
		return e.classify(err.Error())
	}
	if !resp.OK {
		return e.classify(resp.Error)
	}

	var res bridge.FollowResult
	if err := resp.Decode(&res); err != nil {
		return e.classify(err.Error())
	}

	if res.AlreadyRelated {
		// Not an error and not a new action: register and move on.
		e.register(ctx, target, seenset.SourceGuard)
		e.clearStrikes()
		return queue.Outcome{Status: queue.ItemStatus{AlreadyRelated: true}}
	}

	status := queue.ItemStatus{Followed: true}
	e.register(ctx, target, seenset.SourceSuccess)
	e.clearStrikes()

	if likes > 0 {
		e.like(ctx, target, likes, &status, progress)
	}
	return queue.Outcome{Status: status, Positive: true}
}

// like performs up to n likes against the target's most recent posts,
// reporting progress after every single one. Like failures never fail the
// item: the follow already landed.
func (e *Executor) like(ctx context.Context, target queue.Target, n int, status *queue.ItemStatus, progress func(queue.ItemStatus)) {
	status.LikesTotal = n
	progress(*status)

	skip := func(why string) {
		e.opts.Logger.Warn("action: skipping likes", "target", target.ID, "why", why)
		status.LikesSkipped = why
		progress(*status)
	}

	resp, err := e.ch.Send(ctx, bridge.Request{
		Kind:   bridge.KindLastMedia,
		UserID: target.ID,
		Limit:  n,
	})
	if err != nil || !resp.OK {
		skip("media fetch failed")
		return
	}
	var media bridge.MediaResult
	if err := resp.Decode(&media); err != nil {
		skip("bad media response")
		return
	}
	if len(media.MediaIDs) == 0 {
		skip("no media")
		return
	}

	for _, mediaID := range media.MediaIDs[:min(n, len(media.MediaIDs))] {
		resp, err := e.ch.Send(ctx, bridge.Request{
			Kind:    bridge.KindLike,
			UserID:  target.ID,
			MediaID: mediaID,
		})
		if err != nil || !resp.OK {
			e.opts.Logger.Warn("action: like failed", "target", target.ID, "media", mediaID,
				"done", status.LikesDone, "total", n)
			return
		}
		status.LikesDone++
		progress(*status)
	}
}

func (e *Executor) unfollow(ctx context.Context, target queue.Target) queue.Outcome {
	resp, err := e.ch.Send(ctx, bridge.Request{
		Kind:   bridge.KindUnfollow,
		UserID: target.ID,
		Handle: target.Handle,
	})
	if err != nil {
		return e.classify(err.Error())
	}
	if !resp.OK {
		return e.classify(resp.Error)
	}
	e.clearStrikes()
	if e.oracle != nil {
		e.oracle.Record(target.ID, false)
	}
	return queue.Outcome{Status: queue.ItemStatus{Unfollowed: true}, Positive: true}
}

// classify maps a failure message onto the pacing contract: an explicit
// platform refusal gets the feedback tag (the scheduler applies its long
// fixed cooldown), throttling gets an exponential backoff computed here,
// anything else is a one-off failure at normal pace.
func (e *Executor) classify(msg string) queue.Outcome {
	switch {
	case bridge.IsFeedbackSignature(msg):
		e.clearStrikes()
		return queue.Outcome{
			Status: queue.ItemStatus{Error: queue.ReasonFeedback},
			Reason: queue.ReasonFeedback,
		}
	case bridge.IsTransientSignature(msg):
		e.mu.Lock()
		backoff := min(e.opts.BackoffBase<<e.transientStrikes, e.opts.BackoffCap)
		e.transientStrikes++
		e.mu.Unlock()
		return queue.Outcome{
			Status:  queue.ItemStatus{Error: msg},
			Backoff: backoff,
			Reason:  "transient",
		}
	default:
		// The progression only tracks consecutive transient failures; any
		// other completed action resets it.
		e.clearStrikes()
		return queue.Outcome{Status: queue.ItemStatus{Error: msg}}
	}
}

func (e *Executor) clearStrikes() {
	e.mu.Lock()
	e.transientStrikes = 0
	e.mu.Unlock()
}

// register records a now-confirmed relationship everywhere the prechecks
// look, so the account is never acted on again.
func (e *Executor) register(ctx context.Context, target queue.Target, src seenset.Source) {
	if e.seen != nil {
		err := e.seen.Upsert(ctx, seenset.Entry{
			ID:     target.ID,
			Handle: strings.ToLower(target.Handle),
			Source: src,
		})
		if err != nil {
			e.opts.Logger.Error("action: record seen", "target", target.ID, "error", err)
		}
	}
	if e.warm != nil {
		e.warm.Add(target.ID, target.Handle)
	}
	if e.oracle != nil {
		e.oracle.Record(target.ID, true)
	}
}
