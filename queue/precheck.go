package queue

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/silentq/friendship"
	"github.com/hazyhaar/silentq/seenset"
	"github.com/hazyhaar/silentq/warmindex"
)

// Prechecker drops targets that are already related before a run starts,
// so the queue never spends a throttled action slot re-confirming old work.
// Cheap local checks (session index, durable seen set) go first; only the
// remainder is asked over the network.
type Prechecker struct {
	Warm   *warmindex.Index
	Seen   *seenset.Set
	Oracle *friendship.Oracle
	// RecheckUnknown re-queries ids the oracle could not resolve once more,
	// bypassing its cache, before giving up on them.
	RecheckUnknown bool
	Logger         *slog.Logger
}

// PrecheckResult partitions the input. Unknown targets are also present in
// Keep: acting on them is safe because the executor's own guard catches an
// existing relationship.
type PrecheckResult struct {
	Keep    []Target
	Skipped []Target
	Unknown []Target
}

// Filter partitions targets into keep/skip, preserving input order. Targets
// the oracle confirms as related are recorded in the seen set so the next
// run skips them without asking anyone.
func (p *Prechecker) Filter(ctx context.Context, targets []Target) (PrecheckResult, error) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	targets = NormalizeTargets(targets)

	skip := make(map[string]struct{})
	var rest []string

	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}

	if p.Warm != nil {
		for id := range p.Warm.HasAny(ids) {
			skip[id] = struct{}{}
		}
	}
	if p.Seen != nil {
		for _, id := range ids {
			if _, ok := skip[id]; !ok {
				rest = append(rest, id)
			}
		}
		found, err := p.Seen.HasAny(ctx, rest)
		if err != nil {
			return PrecheckResult{}, err
		}
		for id := range found {
			skip[id] = struct{}{}
		}
	}

	unknown := make(map[string]struct{})
	if p.Oracle != nil {
		rest = rest[:0]
		for _, id := range ids {
			if _, ok := skip[id]; !ok {
				rest = append(rest, id)
			}
		}
		if len(rest) > 0 {
			statuses, err := p.Oracle.Query(ctx, rest)
			if err != nil {
				return PrecheckResult{}, err
			}
			if p.RecheckUnknown {
				var retry []string
				for id, st := range statuses {
					if st == friendship.StatusUnknown {
						retry = append(retry, id)
					}
				}
				if len(retry) > 0 {
					again, err := p.Oracle.Refresh(ctx, retry)
					if err != nil {
						return PrecheckResult{}, err
					}
					for id, st := range again {
						statuses[id] = st
					}
				}
			}

			var related []seenset.Entry
			for _, t := range targets {
				switch statuses[t.ID] {
				case friendship.StatusRelated:
					skip[t.ID] = struct{}{}
					related = append(related, seenset.Entry{
						ID: t.ID, Handle: t.Handle, Source: seenset.SourceFilter,
					})
				case friendship.StatusUnknown:
					if _, asked := statuses[t.ID]; asked {
						unknown[t.ID] = struct{}{}
					}
				}
			}
			if p.Seen != nil && len(related) > 0 {
				if err := p.Seen.UpsertMany(ctx, related); err != nil {
					return PrecheckResult{}, err
				}
			}
		}
	}

	var res PrecheckResult
	for _, t := range targets {
		if _, ok := skip[t.ID]; ok {
			res.Skipped = append(res.Skipped, t)
			continue
		}
		res.Keep = append(res.Keep, t)
		if _, ok := unknown[t.ID]; ok {
			res.Unknown = append(res.Unknown, t)
		}
	}
	log.Debug("queue: precheck",
		"in", len(targets), "keep", len(res.Keep),
		"skipped", len(res.Skipped), "unknown", len(res.Unknown))
	return res, nil
}
