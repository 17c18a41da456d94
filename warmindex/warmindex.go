// Package warmindex holds a session-scoped snapshot of the caller's current
// relationships. It is built once per process by paginating the account's
// own relationship listing up to a cap, unioned with a sample from the
// persistent seen set, and then answers membership queries without touching
// the network. It is a superset check: a hit means "skip the action", a
// miss means "ask the oracle".
package warmindex

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/silentq/bridge"
)

// Options configures an Index.
type Options struct {
	// Max caps the number of ids loaded from the listing. Default: 15000.
	Max int
	// PageSize is the listing page size. Default: 24.
	PageSize int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Max <= 0 {
		o.Max = 15_000
	}
	if o.PageSize <= 0 {
		o.PageSize = 24
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Index is the in-memory relationship snapshot. Safe for concurrent use.
type Index struct {
	opts Options

	mu       sync.RWMutex
	ids      map[string]struct{}
	handles  map[string]string // lowercased handle → id
	ready    bool
	loadedAt time.Time
}

// New creates an empty Index. Call Build once per session.
func New(opts Options) *Index {
	opts.defaults()
	return &Index{
		opts:    opts,
		ids:     make(map[string]struct{}),
		handles: make(map[string]string),
	}
}

// Build seeds the index and paginates the caller's own relationship listing
// through ch until the cap is reached or the listing ends. A listing failure
// mid-build is not fatal: the index becomes ready with whatever was loaded,
// since it is only ever an optimization over the oracle.
func (ix *Index) Build(ctx context.Context, ch bridge.Channel, seed []string) error {
	for _, id := range seed {
		ix.Add(id, "")
	}

	log := ix.opts.Logger
	cursor := ""
	for ix.Len() < ix.opts.Max {
		resp, err := ch.Send(ctx, bridge.Request{
			Kind:   bridge.KindListRelationships,
			Limit:  ix.opts.PageSize,
			Cursor: cursor,
		})
		if err != nil {
			log.Warn("warmindex: listing failed, keeping partial index", "loaded", ix.Len(), "error", err)
			break
		}
		if !resp.OK {
			log.Warn("warmindex: listing rejected, keeping partial index", "loaded", ix.Len(), "error", resp.Error)
			break
		}

		var page bridge.ListPage
		if err := resp.Decode(&page); err != nil {
			log.Warn("warmindex: bad listing page", "error", err)
			break
		}
		for _, u := range page.Users {
			ix.Add(u.ID, u.Handle)
			if ix.Len() >= ix.opts.Max {
				break
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor

		if ctx.Err() != nil {
			break
		}
	}

	ix.mu.Lock()
	ix.ready = true
	ix.loadedAt = time.Now()
	ix.mu.Unlock()

	log.Info("warmindex: built", "entries", ix.Len(), "seeded", len(seed))
	return ctx.Err()
}

// Has reports whether id is in the snapshot.
func (ix *Index) Has(id string) bool {
	id = strings.TrimSpace(id)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.ids[id]
	return ok
}

// HasAny returns the subset of ids present in the snapshot.
func (ix *Index) HasAny(ids []string) map[string]struct{} {
	found := make(map[string]struct{})
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if _, ok := ix.ids[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found
}

// Add records one relationship. The executor calls this after a successful
// follow so later targets in the same run see it without a network call.
func (ix *Index) Add(id, handle string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids[id] = struct{}{}
	if h := strings.ToLower(strings.TrimSpace(handle)); h != "" {
		ix.handles[h] = id
	}
}

// IDForHandle returns the id recorded for a handle, if any.
func (ix *Index) IDForHandle(handle string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.handles[strings.ToLower(strings.TrimSpace(handle))]
	return id, ok
}

// Len returns the number of ids in the snapshot.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Ready reports whether Build has completed.
func (ix *Index) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.ready
}

// LoadedAt returns when Build completed, zero if not yet built.
func (ix *Index) LoadedAt() time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.loadedAt
}
