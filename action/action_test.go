package action_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hazyhaar/silentq/action"
	"github.com/hazyhaar/silentq/bridge"
	"github.com/hazyhaar/silentq/dbopen"
	"github.com/hazyhaar/silentq/friendship"
	"github.com/hazyhaar/silentq/queue"
	"github.com/hazyhaar/silentq/seenset"
	"github.com/hazyhaar/silentq/warmindex"

	_ "modernc.org/sqlite"
)

// scriptChannel dispatches per request kind.
type scriptChannel struct {
	handlers map[bridge.Kind]func(bridge.Request) (*bridge.Response, error)
	sent     []bridge.Request
}

func (c *scriptChannel) Send(_ context.Context, req bridge.Request) (*bridge.Response, error) {
	c.sent = append(c.sent, req)
	h, ok := c.handlers[req.Kind]
	if !ok {
		return &bridge.Response{OK: false, Error: "unhandled kind " + string(req.Kind)}, nil
	}
	return h(req)
}

func okData(v any) (*bridge.Response, error) {
	data, _ := json.Marshal(v)
	return &bridge.Response{OK: true, Data: data}, nil
}

func followOK(already bool) func(bridge.Request) (*bridge.Response, error) {
	return func(bridge.Request) (*bridge.Response, error) {
		return okData(bridge.FollowResult{Following: !already, AlreadyRelated: already})
	}
}

func newExecutor(t *testing.T, ch bridge.Channel) (*action.Executor, *seenset.Set, *warmindex.Index) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	seen := seenset.New(db, seenset.Options{})
	if err := seen.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	warm := warmindex.New(warmindex.Options{})
	oracle := friendship.New(ch, friendship.Options{})
	return action.New(ch, seen, warm, oracle, action.Options{}), seen, warm
}

func TestFollowRegistersEverywhere(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: followOK(false),
	}}
	e, seen, warm := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeFollow, queue.Target{ID: "1", Handle: "One"}, 0, nil)
	if !out.Status.Followed || out.Status.Error != "" {
		t.Fatalf("unexpected status %+v", out.Status)
	}
	if !out.Positive {
		t.Fatal("new follow should be positive")
	}
	ok, err := seen.Has(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("target missing from seen set")
	}
	if !warm.Has("1") {
		t.Fatal("target missing from warm index")
	}
}

func TestFollowAlreadyRelatedIsNotAnError(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: followOK(true),
	}}
	e, seen, _ := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeFollow, queue.Target{ID: "2"}, 0, nil)
	if out.Status.Error != "" {
		t.Fatalf("already-related must not be an error: %+v", out.Status)
	}
	if !out.Status.AlreadyRelated || out.Status.Followed {
		t.Fatalf("unexpected status %+v", out.Status)
	}
	if out.Positive {
		t.Fatal("already-related is not a positive outcome")
	}
	ok, _ := seen.Has(context.Background(), "2")
	if !ok {
		t.Fatal("guard discovery should land in the seen set")
	}
}

func TestFollowAndLikeReportsProgress(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: followOK(false),
		bridge.KindLastMedia: func(bridge.Request) (*bridge.Response, error) {
			return okData(bridge.MediaResult{MediaIDs: []string{"m1", "m2"}})
		},
		bridge.KindLike: func(bridge.Request) (*bridge.Response, error) {
			return &bridge.Response{OK: true, Data: json.RawMessage(`{}`)}, nil
		},
	}}
	e, _, _ := newExecutor(t, ch)

	var seenDone []int
	out := e.Execute(context.Background(), queue.ModeFollowAndLike, queue.Target{ID: "3"}, 2,
		func(st queue.ItemStatus) { seenDone = append(seenDone, st.LikesDone) })

	if out.Status.LikesDone != 2 || out.Status.LikesTotal != 2 {
		t.Fatalf("likes = %d/%d, want 2/2", out.Status.LikesDone, out.Status.LikesTotal)
	}
	// Progress after the media fetch and after each like.
	want := []int{0, 1, 2}
	if len(seenDone) != len(want) {
		t.Fatalf("progress calls = %v, want %v", seenDone, want)
	}
	for i := range want {
		if seenDone[i] != want[i] {
			t.Fatalf("progress calls = %v, want %v", seenDone, want)
		}
	}
}

func TestLikeFailureKeepsFollowSuccess(t *testing.T) {
	likes := 0
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: followOK(false),
		bridge.KindLastMedia: func(bridge.Request) (*bridge.Response, error) {
			return okData(bridge.MediaResult{MediaIDs: []string{"m1", "m2"}})
		},
		bridge.KindLike: func(bridge.Request) (*bridge.Response, error) {
			likes++
			if likes > 1 {
				return &bridge.Response{OK: false, Error: "nope"}, nil
			}
			return &bridge.Response{OK: true, Data: json.RawMessage(`{}`)}, nil
		},
	}}
	e, _, _ := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeFollowAndLike, queue.Target{ID: "4"}, 2, nil)
	if out.Status.Error != "" {
		t.Fatalf("like failure must not fail the item: %+v", out.Status)
	}
	if !out.Status.Followed || out.Status.LikesDone != 1 {
		t.Fatalf("unexpected status %+v", out.Status)
	}
	if !out.Positive {
		t.Fatal("follow landed, outcome stays positive")
	}
}

func TestNoMediaRecordsLikesSkipped(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: followOK(false),
		bridge.KindLastMedia: func(bridge.Request) (*bridge.Response, error) {
			return okData(bridge.MediaResult{})
		},
	}}
	e, _, _ := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeFollowAndLike, queue.Target{ID: "9"}, 2, nil)
	if out.Status.Error != "" || !out.Status.Followed || !out.Positive {
		t.Fatalf("a target with no media must keep the follow success: %+v", out)
	}
	if out.Status.LikesSkipped != "no media" {
		t.Fatalf("likes_skipped = %q, want %q", out.Status.LikesSkipped, "no media")
	}
	if out.Status.LikesDone != 0 {
		t.Fatalf("likes_done = %d, want 0", out.Status.LikesDone)
	}
}

func TestFeedbackClassification(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: func(bridge.Request) (*bridge.Response, error) {
			return &bridge.Response{OK: false, Error: "feedback_required: spam detected"}, nil
		},
	}}
	e, _, _ := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeFollow, queue.Target{ID: "5"}, 0, nil)
	if out.Reason != queue.ReasonFeedback || out.Status.Error != queue.ReasonFeedback {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Backoff != 0 {
		t.Fatal("feedback cooldown is the scheduler's call, not the executor's")
	}
}

func TestTransientBackoffDoublesAndResets(t *testing.T) {
	// "" is a clean follow; anything else comes back as that error.
	script := []string{"HTTP 429", "HTTP 429", "user not found", "HTTP 429", "", "HTTP 429"}
	step := 0
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: func(bridge.Request) (*bridge.Response, error) {
			msg := script[step]
			step++
			if msg == "" {
				return okData(bridge.FollowResult{Following: true})
			}
			return &bridge.Response{OK: false, Error: msg}, nil
		},
	}}
	e, _, _ := newExecutor(t, ch)
	ctx := context.Background()
	target := queue.Target{ID: "6"}

	out1 := e.Execute(ctx, queue.ModeFollow, target, 0, nil)
	out2 := e.Execute(ctx, queue.ModeFollow, target, 0, nil)
	if out1.Backoff != 30*time.Second || out2.Backoff != 60*time.Second {
		t.Fatalf("backoffs = %v, %v; want 30s, 60s", out1.Backoff, out2.Backoff)
	}

	// A permanent failure completes without a transient failure, so the
	// progression starts over.
	e.Execute(ctx, queue.ModeFollow, target, 0, nil)
	out4 := e.Execute(ctx, queue.ModeFollow, target, 0, nil)
	if out4.Backoff != 30*time.Second {
		t.Fatalf("backoff after permanent failure = %v, want 30s", out4.Backoff)
	}

	// So does a clean outcome.
	e.Execute(ctx, queue.ModeFollow, target, 0, nil)
	out6 := e.Execute(ctx, queue.ModeFollow, target, 0, nil)
	if out6.Backoff != 30*time.Second {
		t.Fatalf("backoff after clean outcome = %v, want 30s", out6.Backoff)
	}
}

func TestPermanentFailureHasNoBackoff(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindFollow: func(bridge.Request) (*bridge.Response, error) {
			return &bridge.Response{OK: false, Error: "user not found"}, nil
		},
	}}
	e, _, _ := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeFollow, queue.Target{ID: "7"}, 0, nil)
	if out.Status.Error != "user not found" || out.Backoff != 0 || out.Reason != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestUnfollow(t *testing.T) {
	ch := &scriptChannel{handlers: map[bridge.Kind]func(bridge.Request) (*bridge.Response, error){
		bridge.KindUnfollow: func(bridge.Request) (*bridge.Response, error) {
			return okData(bridge.FollowResult{Following: false})
		},
	}}
	e, _, _ := newExecutor(t, ch)

	out := e.Execute(context.Background(), queue.ModeUnfollow, queue.Target{ID: "8"}, 0, nil)
	if !out.Status.Unfollowed || out.Status.Error != "" {
		t.Fatalf("unexpected status %+v", out.Status)
	}
}
