// Package seenset is the durable record of accounts already acted upon.
// It answers bulk "have we processed X?" queries from a bounded in-memory
// hot set first, falling back to SQLite only for misses, so repeat runs
// skip redundant network actions at O(hot-set) cost.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS seen_accounts (
//	    id        TEXT PRIMARY KEY,
//	    handle    TEXT NOT NULL DEFAULT '',
//	    source    TEXT NOT NULL DEFAULT 'filter',
//	    last_seen INTEGER NOT NULL  -- milliseconds since epoch
//	);
//	CREATE INDEX IF NOT EXISTS idx_seen_last_seen ON seen_accounts (last_seen);
package seenset

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Source records how an account entered the set.
type Source string

const (
	// SourceFilter: discovered during pre-run filtering.
	SourceFilter Source = "filter"
	// SourceGuard: discovered by the executor's already-related guard.
	SourceGuard Source = "guard"
	// SourceSuccess: recorded after a successful relationship change.
	SourceSuccess Source = "success"
)

// Entry is one recorded account.
type Entry struct {
	ID       string `json:"id"`
	Handle   string `json:"handle"`
	Source   Source `json:"source"`
	LastSeen int64  `json:"last_seen"` // unix ms
}

// Options configures a Set.
type Options struct {
	// MemLimit bounds the in-memory hot set. Default: 50000.
	MemLimit int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MemLimit <= 0 {
		o.MemLimit = 50_000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Set is the persistent already-acted-upon set.
type Set struct {
	db   *sql.DB
	opts Options

	mu  sync.RWMutex
	mem map[string]struct{}
}

// New creates a Set. Call EnsureTable then Load once at startup.
func New(db *sql.DB, opts Options) *Set {
	opts.defaults()
	return &Set{db: db, opts: opts, mem: make(map[string]struct{})}
}

// EnsureTable creates the seen_accounts table and index if they don't exist.
func (s *Set) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seen_accounts (
			id        TEXT PRIMARY KEY,
			handle    TEXT NOT NULL DEFAULT '',
			source    TEXT NOT NULL DEFAULT 'filter',
			last_seen INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_seen_last_seen ON seen_accounts (last_seen);
	`)
	return err
}

// Load warms the in-memory set from durable storage, newest entries first,
// up to the configured memory limit.
func (s *Set) Load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM seen_accounts ORDER BY last_seen DESC LIMIT ?`, s.opts.MemLimit)
	if err != nil {
		return fmt.Errorf("seenset: load: %w", err)
	}
	defer rows.Close()

	mem := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("seenset: load scan: %w", err)
		}
		mem[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("seenset: load rows: %w", err)
	}

	s.mu.Lock()
	s.mem = mem
	s.mu.Unlock()

	s.opts.Logger.Debug("seenset: loaded", "hot_entries", len(mem))
	return nil
}

// Upsert records one account. An existing row gets its handle, source and
// last_seen refreshed.
func (s *Set) Upsert(ctx context.Context, e Entry) error {
	return s.UpsertMany(ctx, []Entry{e})
}

// UpsertMany records a batch of accounts in one transaction. Entries with
// an empty id are skipped.
func (s *Set) UpsertMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seenset: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO seen_accounts (id, handle, source, last_seen) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET handle=excluded.handle, source=excluded.source, last_seen=excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("seenset: prepare: %w", err)
	}
	defer stmt.Close()

	var ids []string
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		src := e.Source
		if src == "" {
			src = SourceFilter
		}
		ts := e.LastSeen
		if ts == 0 {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, id, strings.ToLower(strings.TrimSpace(e.Handle)), string(src), ts); err != nil {
			return fmt.Errorf("seenset: upsert %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seenset: commit: %w", err)
	}

	s.mu.Lock()
	for _, id := range ids {
		if len(s.mem) < s.opts.MemLimit {
			s.mem[id] = struct{}{}
		}
	}
	s.mu.Unlock()
	return nil
}

// Has reports whether one id is in the set.
func (s *Set) Has(ctx context.Context, id string) (bool, error) {
	found, err := s.HasAny(ctx, []string{id})
	if err != nil {
		return false, err
	}
	_, ok := found[strings.TrimSpace(id)]
	return ok, nil
}

// HasAny returns the subset of ids present in the set. Memory is consulted
// first; only misses hit durable storage.
func (s *Set) HasAny(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	var missing []string

	s.mu.RLock()
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := s.mem[id]; ok {
			found[id] = struct{}{}
		} else {
			missing = append(missing, id)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return found, nil
	}

	// Chunked IN queries to stay under SQLite's parameter limit.
	const chunk = 500
	for start := 0; start < len(missing); start += chunk {
		end := min(start+chunk, len(missing))
		part := missing[start:end]

		placeholders := strings.Repeat("?,", len(part))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM seen_accounts WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("seenset: has any: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("seenset: has any scan: %w", err)
			}
			found[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("seenset: has any rows: %w", err)
		}
		rows.Close()
	}
	return found, nil
}

// Prune deletes entries whose last_seen is older than ttl and evicts them
// from memory. Returns the number of rows deleted.
func (s *Set) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM seen_accounts WHERE last_seen < ? RETURNING id`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("seenset: prune: %w", err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("seenset: prune scan: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("seenset: prune rows: %w", err)
	}

	s.mu.Lock()
	for _, id := range deleted {
		delete(s.mem, id)
	}
	s.mu.Unlock()

	if len(deleted) > 0 {
		s.opts.Logger.Info("seenset: pruned", "deleted", len(deleted), "ttl", ttl)
	}
	return int64(len(deleted)), nil
}

// SampleIDs returns up to n ids from the hot set, used to seed the session
// warm index.
func (s *Set) SampleIDs(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, min(n, len(s.mem)))
	for id := range s.mem {
		out = append(out, id)
		if len(out) >= n {
			break
		}
	}
	return out
}

// Count returns the total number of durable entries.
func (s *Set) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_accounts`).Scan(&n)
	return n, err
}

// Export returns every durable entry, oldest first.
func (s *Set) Export(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, handle, source, last_seen FROM seen_accounts ORDER BY last_seen ASC`)
	if err != nil {
		return nil, fmt.Errorf("seenset: export: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var src string
		if err := rows.Scan(&e.ID, &e.Handle, &src, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("seenset: export scan: %w", err)
		}
		e.Source = Source(src)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ImportEntries merges previously exported entries into the set.
func (s *Set) ImportEntries(ctx context.Context, entries []Entry) error {
	return s.UpsertMany(ctx, entries)
}
