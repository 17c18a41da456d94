// Package silentq wires the scheduler, caches, oracle and action channel
// into one service: a daemon that works through a list of accounts with one
// throttled platform action at a time, remembers everything it has already
// acted on, and survives restarts mid-run.
package silentq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/silentq/action"
	"github.com/hazyhaar/silentq/bridge"
	"github.com/hazyhaar/silentq/events"
	"github.com/hazyhaar/silentq/friendship"
	"github.com/hazyhaar/silentq/queue"
	"github.com/hazyhaar/silentq/seenset"
	"github.com/hazyhaar/silentq/warmindex"
)

// Service composes the whole pipeline over one database and one action
// channel.
type Service struct {
	db  *sql.DB
	ch  bridge.Channel
	log *slog.Logger

	Bus    *events.Bus
	Seen   *seenset.Set
	Warm   *warmindex.Index
	Oracle *friendship.Oracle
	Sched  *queue.Scheduler

	// Agent, when set before Router is called, exposes the long-poll
	// endpoints an in-page agent uses as the action channel.
	Agent *AgentTransport

	pre *queue.Prechecker

	mu  sync.RWMutex
	cfg Config
}

// New builds the service. Call Init before Run.
func New(cfg Config, db *sql.DB, ch bridge.Channel, log *slog.Logger) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	bus := events.NewBus(events.Options{Logger: log})
	seen := seenset.New(db, seenset.Options{Logger: log})
	warm := warmindex.New(warmindex.Options{Max: cfg.WarmIndexMax, Logger: log})
	oracle := friendship.New(ch, friendship.Options{Logger: log})
	exec := action.New(ch, seen, warm, oracle, action.Options{Logger: log})
	sched := queue.New(queue.NewStore(db), exec, bus, queue.Options{Logger: log})

	return &Service{
		db:     db,
		ch:     ch,
		log:    log,
		Bus:    bus,
		Seen:   seen,
		Warm:   warm,
		Oracle: oracle,
		Sched:  sched,
		pre: &queue.Prechecker{
			Warm:           warm,
			Seen:           seen,
			Oracle:         oracle,
			RecheckUnknown: cfg.RecheckUnknown,
			Logger:         log,
		},
		cfg: cfg,
	}
}

// Init prepares storage and picks up any run persisted by a previous
// process.
func (s *Service) Init(ctx context.Context) error {
	if err := s.Seen.EnsureTable(ctx); err != nil {
		return fmt.Errorf("silentq: init seen set: %w", err)
	}
	if err := s.Seen.Load(ctx); err != nil {
		return err
	}
	if err := queue.NewStore(s.db).EnsureTables(ctx); err != nil {
		return fmt.Errorf("silentq: init queue store: %w", err)
	}
	return s.Sched.Resume(ctx)
}

// Run operates the background machinery: the scheduler watchdog, the
// session index build, and the daily seen-set prune. Blocks until ctx is
// done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Sched.RunWatchdog(ctx)
	})

	g.Go(func() error {
		seed := s.Seen.SampleIDs(warmSeedSample)
		if err := s.Warm.Build(ctx, s.ch, seed); err != nil {
			s.log.Warn("silentq: warm index build interrupted", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		c := cron.New()
		_, err := c.AddFunc(s.config().PruneSchedule, func() {
			if _, err := s.Seen.Prune(context.Background(), s.config().SeenTTL); err != nil {
				s.log.Error("silentq: seen set prune failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("silentq: bad prune schedule %q: %w", s.config().PruneSchedule, err)
		}
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return ctx.Err()
	})

	return g.Wait()
}

// ApplyConfig adopts hot-reloadable settings; storage paths and listen
// addresses need a restart.
func (s *Service) ApplyConfig(cfg *Config) {
	s.mu.Lock()
	s.cfg.Pacing = cfg.Pacing
	s.cfg.SeenTTL = cfg.SeenTTL
	s.cfg.CollectCap = cfg.CollectCap
	s.cfg.RecheckUnknown = cfg.RecheckUnknown
	s.pre.RecheckUnknown = cfg.RecheckUnknown
	s.mu.Unlock()
	s.log.Info("silentq: runtime settings updated")
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// StartRequest is one run submission.
type StartRequest struct {
	Mode           queue.Mode     `json:"mode"`
	LikesPerTarget int            `json:"likes_per_target"`
	Targets        []queue.Target `json:"targets"`
	// Config overrides the daemon's pacing defaults for this run.
	Config *queue.Config `json:"config,omitempty"`
}

// StartRun pre-filters the targets and starts the queue. Targets already
// related are announced as removed rather than queued, unless the request
// config asks to include them.
func (s *Service) StartRun(ctx context.Context, req StartRequest) error {
	if !req.Mode.Valid() {
		return queue.ErrInvalidMode
	}
	cfg := s.config().Pacing
	if req.Config != nil {
		cfg = *req.Config
	}

	targets := queue.NormalizeTargets(req.Targets)
	if len(targets) == 0 {
		return queue.ErrNoTargets
	}

	if !cfg.IncludeAlreadyRelated {
		res, err := s.pre.Filter(ctx, targets)
		if err != nil {
			return err
		}
		for _, t := range res.Skipped {
			s.announceRemoved(t)
		}
		targets = res.Keep
		if len(targets) == 0 {
			return queue.ErrNoTargets
		}
	}

	return s.Sched.Start(ctx, targets, req.Mode, req.LikesPerTarget, cfg)
}

func (s *Service) announceRemoved(t queue.Target) {
	s.Bus.Publish(events.Event{
		Type:   events.TypeItem,
		ItemID: t.ID,
		Status: []byte(`{"already_related":true,"removed":true}`),
	})
}

// CollectTargets resolves handles to targets through the channel, capped by
// the collect limit. Handles that fail to resolve are skipped, not fatal:
// the caller gets whatever could be collected.
func (s *Service) CollectTargets(ctx context.Context, handles []string) ([]queue.Target, error) {
	limit := s.config().CollectCap
	var out []queue.Target
	seen := make(map[string]struct{})

	for _, raw := range handles {
		if len(out) >= limit {
			s.log.Info("silentq: collect cap reached", "cap", limit)
			break
		}
		handle := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "@")))
		if handle == "" {
			continue
		}
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}

		id, err := s.resolveHandle(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			s.log.Warn("silentq: lookup failed, skipping", "handle", handle, "error", err)
			continue
		}
		out = append(out, queue.Target{ID: id, Handle: handle})
	}
	return out, nil
}

// resolveHandle maps a handle to a platform id, consulting the session
// index before the channel.
func (s *Service) resolveHandle(ctx context.Context, handle string) (string, error) {
	if id, ok := s.Warm.IDForHandle(handle); ok {
		return id, nil
	}
	resp, err := s.ch.Send(ctx, bridge.Request{Kind: bridge.KindLookup, Handle: handle})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("silentq: lookup %s: %s", handle, resp.Error)
	}
	var lr bridge.LookupResult
	if err := resp.Decode(&lr); err != nil {
		return "", err
	}
	if lr.UserID == "" {
		return "", fmt.Errorf("silentq: lookup %s: no id in response", handle)
	}
	return lr.UserID, nil
}

// followerPageSize matches the platform listing page size.
const followerPageSize = 24

// warmSeedSample is how many seen-set ids seed the session index build.
const warmSeedSample = 1000

// CollectFollowers resolves handle and pages through that account's
// follower listing, up to the collect cap.
func (s *Service) CollectFollowers(ctx context.Context, handle string) ([]queue.Target, error) {
	handle = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(handle, "@")))
	if handle == "" {
		return nil, fmt.Errorf("silentq: collect followers: empty handle")
	}
	id, err := s.resolveHandle(ctx, handle)
	if err != nil {
		return nil, err
	}

	limit := s.config().CollectCap
	var out []queue.Target
	seen := make(map[string]struct{})
	cursor := ""
	for len(out) < limit {
		resp, err := s.ch.Send(ctx, bridge.Request{
			Kind:   bridge.KindListRelationships,
			UserID: id,
			List:   "followers",
			Limit:  followerPageSize,
			Cursor: cursor,
		})
		if err != nil {
			return out, fmt.Errorf("silentq: list followers of %s: %w", handle, err)
		}
		if !resp.OK {
			return out, fmt.Errorf("silentq: list followers of %s: %s", handle, resp.Error)
		}
		var page bridge.ListPage
		if err := resp.Decode(&page); err != nil {
			return out, err
		}
		for _, u := range page.Users {
			if len(out) >= limit {
				break
			}
			if u.ID == "" {
				continue
			}
			if _, dup := seen[u.ID]; dup {
				continue
			}
			seen[u.ID] = struct{}{}
			out = append(out, queue.Target{ID: u.ID, Handle: u.Handle})
		}
		if page.NextCursor == "" || len(page.Users) == 0 {
			break
		}
		cursor = page.NextCursor
	}
	s.log.Info("silentq: followers collected", "handle", handle, "count", len(out))
	return out, nil
}
