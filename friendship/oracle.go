// Package friendship answers "is this account already related to us?"
// through the action channel, with a short-lived cache in front so a run
// over a large target list doesn't re-ask about the same accounts.
//
// Answers are three-valued: related, not related, or unknown. Unknown means
// the platform could not be asked (throttled, channel down) and the caller
// must decide whether to act anyway or re-query later. Unknown results are
// never cached.
package friendship

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/silentq/bridge"
)

// Status is a three-valued relationship answer.
type Status int

const (
	// StatusUnknown: the platform could not be asked.
	StatusUnknown Status = iota
	// StatusRelated: a relationship already exists.
	StatusRelated
	// StatusNotRelated: confirmed no relationship.
	StatusNotRelated
)

func (s Status) String() string {
	switch s {
	case StatusRelated:
		return "related"
	case StatusNotRelated:
		return "not_related"
	default:
		return "unknown"
	}
}

// Options configures an Oracle.
type Options struct {
	// TTL bounds how long a cached answer is trusted. Default: 15m.
	TTL time.Duration
	// BatchSize caps ids per channel request. Default: 50.
	BatchSize int
	// Retries is the number of extra attempts after a throttled batch.
	// Default: 3.
	Retries int
	// RetryBase is the first retry delay, doubling per attempt. Default: 2s.
	RetryBase time.Duration
	// JitterPct randomizes each retry delay by ±pct. Default: 20.
	JitterPct int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 15 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.JitterPct <= 0 {
		o.JitterPct = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type cached struct {
	related bool
	at      time.Time
}

// Oracle resolves relationship status through a bridge.Channel.
// Safe for concurrent use.
type Oracle struct {
	ch   bridge.Channel
	opts Options

	mu    sync.RWMutex
	cache map[string]cached

	group singleflight.Group
}

// New creates an Oracle over ch.
func New(ch bridge.Channel, opts Options) *Oracle {
	opts.defaults()
	return &Oracle{ch: ch, opts: opts, cache: make(map[string]cached)}
}

// Query resolves the status of every id, serving from the cache where a
// fresh answer exists and batching the rest over the channel. The returned
// map has an entry for every non-empty input id. A batch that stays
// throttled past the retry budget resolves its members to StatusUnknown
// rather than failing the whole query.
func (o *Oracle) Query(ctx context.Context, ids []string) (map[string]Status, error) {
	return o.query(ctx, ids, false)
}

// Refresh is Query with the cache bypassed for reads. Fresh answers still
// land in the cache. Used to re-check ids that previously came back unknown.
func (o *Oracle) Refresh(ctx context.Context, ids []string) (map[string]Status, error) {
	return o.query(ctx, ids, true)
}

func (o *Oracle) query(ctx context.Context, ids []string, bypass bool) (map[string]Status, error) {
	out := make(map[string]Status, len(ids))
	seen := make(map[string]struct{}, len(ids))
	var misses []string

	now := time.Now()
	o.mu.RLock()
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if !bypass {
			if c, ok := o.cache[id]; ok && now.Sub(c.at) < o.opts.TTL {
				if c.related {
					out[id] = StatusRelated
				} else {
					out[id] = StatusNotRelated
				}
				continue
			}
		}
		out[id] = StatusUnknown
		misses = append(misses, id)
	}
	o.mu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	// Stable batch boundaries so concurrent queries over the same ids
	// coalesce into one channel request.
	sort.Strings(misses)
	for start := 0; start < len(misses); start += o.opts.BatchSize {
		end := min(start+o.opts.BatchSize, len(misses))
		batch := misses[start:end]

		statuses, err := o.fetchBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			o.opts.Logger.Warn("friendship: batch unresolved", "ids", len(batch), "error", err)
			continue // members stay StatusUnknown
		}
		for id, st := range statuses {
			out[id] = st
		}
	}
	return out, nil
}

// fetchBatch asks the channel about one batch, retrying with exponential
// backoff while the platform throttles. All callers asking about the same
// batch share a single in-flight request.
func (o *Oracle) fetchBatch(ctx context.Context, batch []string) (map[string]Status, error) {
	key := strings.Join(batch, ",")
	v, err, _ := o.group.Do(key, func() (any, error) {
		delay := o.opts.RetryBase
		var lastErr error
		for attempt := 0; attempt <= o.opts.Retries; attempt++ {
			if attempt > 0 {
				if err := sleep(ctx, jittered(delay, o.opts.JitterPct)); err != nil {
					return nil, err
				}
				delay *= 2
			}

			statuses, err := o.sendBatch(ctx, batch)
			if err == nil {
				return statuses, nil
			}
			lastErr = err
			if !retryable(err) {
				break
			}
			o.opts.Logger.Debug("friendship: batch throttled",
				"attempt", attempt+1, "next_delay", delay, "error", err)
		}
		return nil, lastErr
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Status), nil
}

func (o *Oracle) sendBatch(ctx context.Context, batch []string) (map[string]Status, error) {
	resp, err := o.ch.Send(ctx, bridge.Request{
		Kind:    bridge.KindRelationshipStatus,
		UserIDs: batch,
	})
	if err != nil {
		return nil, fmt.Errorf("friendship: status query: %w", err)
	}
	if !resp.OK {
		return nil, &platformError{msg: resp.Error}
	}

	var statuses bridge.StatusMap
	if err := resp.Decode(&statuses); err != nil {
		return nil, fmt.Errorf("friendship: decode status: %w", err)
	}

	now := time.Now()
	out := make(map[string]Status, len(batch))
	o.mu.Lock()
	for _, id := range batch {
		related, known := statuses[id]
		if !known {
			out[id] = StatusUnknown
			continue
		}
		o.cache[id] = cached{related: related, at: now}
		if related {
			out[id] = StatusRelated
		} else {
			out[id] = StatusNotRelated
		}
	}
	o.mu.Unlock()
	return out, nil
}

// Record caches an answer learned outside a status query, e.g. the
// executor's already-related guard.
func (o *Oracle) Record(id string, related bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	o.mu.Lock()
	o.cache[id] = cached{related: related, at: time.Now()}
	o.mu.Unlock()
}

// Evict drops any cached answer for id.
func (o *Oracle) Evict(id string) {
	o.mu.Lock()
	delete(o.cache, strings.TrimSpace(id))
	o.mu.Unlock()
}

// CacheLen returns the number of cached answers, fresh or stale.
func (o *Oracle) CacheLen() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.cache)
}

// platformError is a rejection from the platform itself, as opposed to a
// channel transport failure.
type platformError struct{ msg string }

func (e *platformError) Error() string { return "friendship: platform: " + e.msg }

func retryable(err error) bool {
	if pe, ok := err.(*platformError); ok {
		return bridge.IsTransientSignature(pe.msg)
	}
	return bridge.IsTransientSignature(err.Error())
}

func jittered(d time.Duration, pct int) time.Duration {
	if pct <= 0 {
		return d
	}
	span := float64(d) * float64(pct) / 100
	return d + time.Duration(span*(rand.Float64()*2-1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
