package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/silentq/dbopen"
)

// Store persists the scheduler's state so a run survives process restarts.
//
// Expected schema (created by EnsureTables):
//
//	CREATE TABLE IF NOT EXISTS queue_state (
//	    id             INTEGER PRIMARY KEY CHECK (id = 1),
//	    phase          TEXT NOT NULL,
//	    mode           TEXT NOT NULL,
//	    cursor         INTEGER NOT NULL,
//	    processed      INTEGER NOT NULL,
//	    likes_per_item INTEGER NOT NULL,
//	    next_action_at INTEGER NOT NULL,  -- unix ms, 0 = none
//	    started_at     INTEGER NOT NULL,  -- unix ms, 0 = none
//	    in_flight      INTEGER NOT NULL,
//	    success_streak INTEGER NOT NULL,
//	    strike_count   INTEGER NOT NULL,
//	    reason         TEXT NOT NULL,
//	    config_json    TEXT NOT NULL,
//	    updated_at     INTEGER NOT NULL
//	);
//	CREATE TABLE IF NOT EXISTS queue_items (
//	    pos         INTEGER PRIMARY KEY,
//	    target_id   TEXT NOT NULL,
//	    handle      TEXT NOT NULL DEFAULT '',
//	    status_json TEXT NOT NULL DEFAULT ''
//	);
type Store struct {
	db *sql.DB
}

// NewStore wraps db. Call EnsureTables once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureTables creates the queue tables if they don't exist.
func (st *Store) EnsureTables(ctx context.Context) error {
	_, err := st.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_state (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			phase          TEXT NOT NULL,
			mode           TEXT NOT NULL,
			cursor         INTEGER NOT NULL,
			processed      INTEGER NOT NULL,
			likes_per_item INTEGER NOT NULL,
			next_action_at INTEGER NOT NULL,
			started_at     INTEGER NOT NULL,
			in_flight      INTEGER NOT NULL,
			success_streak INTEGER NOT NULL,
			strike_count   INTEGER NOT NULL,
			reason         TEXT NOT NULL,
			config_json    TEXT NOT NULL,
			updated_at     INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS queue_items (
			pos         INTEGER PRIMARY KEY,
			target_id   TEXT NOT NULL,
			handle      TEXT NOT NULL DEFAULT '',
			status_json TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Save writes the full state, items included, in one transaction. Used on
// start; steady-state updates go through SaveState and SaveItemStatus.
func (st *Store) Save(ctx context.Context, s *State) error {
	if err := s.validate(); err != nil {
		return err
	}
	return dbopen.RunTx(ctx, st.db, func(tx *sql.Tx) error {
		if err := saveStateTx(ctx, tx, s); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
			return fmt.Errorf("queue: clear items: %w", err)
		}
		ins, err := tx.PrepareContext(ctx,
			`INSERT INTO queue_items (pos, target_id, handle, status_json) VALUES (?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("queue: prepare items: %w", err)
		}
		defer ins.Close()
		for i, it := range s.Items {
			sj := ""
			if it.Status != nil {
				b, err := json.Marshal(it.Status)
				if err != nil {
					return fmt.Errorf("queue: marshal status: %w", err)
				}
				sj = string(b)
			}
			if _, err := ins.ExecContext(ctx, i, it.ID, it.Handle, sj); err != nil {
				return fmt.Errorf("queue: insert item %d: %w", i, err)
			}
		}
		return nil
	})
}

// SaveState writes only the scalar state row, leaving items untouched.
func (st *Store) SaveState(ctx context.Context, s *State) error {
	if err := s.validate(); err != nil {
		return err
	}
	return dbopen.RunTx(ctx, st.db, func(tx *sql.Tx) error {
		return saveStateTx(ctx, tx, s)
	})
}

func saveStateTx(ctx context.Context, tx *sql.Tx, s *State) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("queue: marshal config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_state (id, phase, mode, cursor, processed, likes_per_item,
			next_action_at, started_at, in_flight, success_streak, strike_count,
			reason, config_json, updated_at)
		VALUES (1,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			phase=excluded.phase, mode=excluded.mode, cursor=excluded.cursor,
			processed=excluded.processed, likes_per_item=excluded.likes_per_item,
			next_action_at=excluded.next_action_at, started_at=excluded.started_at,
			in_flight=excluded.in_flight, success_streak=excluded.success_streak,
			strike_count=excluded.strike_count, reason=excluded.reason,
			config_json=excluded.config_json, updated_at=excluded.updated_at`,
		string(s.Phase), string(s.Mode), s.Cursor, s.Processed, s.LikesPerTarget,
		msOrZero(s.NextActionAt), msOrZero(s.StartedAt), boolInt(s.InFlight),
		s.SuccessStreak, s.StrikeCount, s.Reason, string(cfg), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: save state: %w", err)
	}
	return nil
}

// SaveItemStatus persists one item's result.
func (st *Store) SaveItemStatus(ctx context.Context, pos int, status ItemStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("queue: marshal status: %w", err)
	}
	res, err := st.db.ExecContext(ctx,
		`UPDATE queue_items SET status_json = ? WHERE pos = ?`, string(b), pos)
	if err != nil {
		return fmt.Errorf("queue: save item status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: no item at pos %d", pos)
	}
	return nil
}

// Load reads the persisted state. ok is false when no run has ever been
// saved (or it was cleared).
func (st *Store) Load(ctx context.Context) (s *State, ok bool, err error) {
	s = &State{}
	var (
		phase, mode, reason, cfgJSON string
		nextAt, startedAt, inFlight  int64
		likes                        int
	)
	row := st.db.QueryRowContext(ctx, `
		SELECT phase, mode, cursor, processed, likes_per_item, next_action_at,
			started_at, in_flight, success_streak, strike_count, reason, config_json
		FROM queue_state WHERE id = 1`)
	err = row.Scan(&phase, &mode, &s.Cursor, &s.Processed, &likes, &nextAt,
		&startedAt, &inFlight, &s.SuccessStreak, &s.StrikeCount, &reason, &cfgJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: load state: %w", err)
	}
	s.Phase = Phase(phase)
	s.Mode = Mode(mode)
	s.LikesPerTarget = likes
	s.NextActionAt = msTime(nextAt)
	s.StartedAt = msTime(startedAt)
	s.InFlight = inFlight != 0
	s.Reason = reason
	if err := json.Unmarshal([]byte(cfgJSON), &s.Config); err != nil {
		return nil, false, fmt.Errorf("queue: decode config: %w", err)
	}

	rows, err := st.db.QueryContext(ctx,
		`SELECT target_id, handle, status_json FROM queue_items ORDER BY pos ASC`)
	if err != nil {
		return nil, false, fmt.Errorf("queue: load items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		var sj string
		if err := rows.Scan(&it.ID, &it.Handle, &sj); err != nil {
			return nil, false, fmt.Errorf("queue: load item: %w", err)
		}
		if sj != "" {
			it.Status = &ItemStatus{}
			if err := json.Unmarshal([]byte(sj), it.Status); err != nil {
				return nil, false, fmt.Errorf("queue: decode item status: %w", err)
			}
		}
		s.Items = append(s.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("queue: load items: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Clear removes the persisted run entirely.
func (st *Store) Clear(ctx context.Context) error {
	return dbopen.RunTx(ctx, st.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
			return fmt.Errorf("queue: clear items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_state`); err != nil {
			return fmt.Errorf("queue: clear state: %w", err)
		}
		return nil
	})
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
