// Package bridge defines the action channel: the single asynchronous call
// through which every platform action (follow, unfollow, like, lookups,
// listings) is executed. The scheduler and executor only ever see this
// abstraction; the concrete transport — a driven browser tab, a message
// port, a test stub — is injected.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names one platform operation.
type Kind string

const (
	KindFollow             Kind = "follow"
	KindUnfollow           Kind = "unfollow"
	KindLike               Kind = "like"
	KindLookup             Kind = "lookup"
	KindRelationshipStatus Kind = "relationship_status"
	KindListRelationships  Kind = "list_relationships"
	KindLastMedia          Kind = "last_media"
)

// ErrTimeout is returned when a request gets no response within the
// channel's per-request deadline.
var ErrTimeout = errors.New("bridge: request timed out")

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("bridge: channel closed")

// Request is one action against the platform. Fields are populated
// according to Kind; unused fields stay zero.
type Request struct {
	Kind Kind `json:"kind"`

	UserID  string   `json:"user_id,omitempty"`
	Handle  string   `json:"handle,omitempty"`
	MediaID string   `json:"media_id,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"` // relationship_status batches
	Limit   int      `json:"limit,omitempty"`    // list_relationships page size
	Cursor  string   `json:"cursor,omitempty"`   // list_relationships pagination
	// List selects the relationship listing: "followers" or "following".
	// Empty means the session account's own following list; a UserID plus
	// "followers" pages through that account's followers instead.
	List string `json:"list,omitempty"`
}

// Response is the normalized outcome of one request. A Response with
// OK=false carries the platform's error string; transport failures are
// returned as Go errors instead.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("bridge: empty response data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("bridge: decode response: %w", err)
	}
	return nil
}

// Channel executes one request against the platform. Implementations must
// honor ctx cancellation and apply their own per-request timeout.
type Channel interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Account is one platform account as it appears in listings and lookups.
type Account struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// FollowResult is the decoded data of a follow/unfollow response.
type FollowResult struct {
	Following      bool `json:"following"`
	AlreadyRelated bool `json:"already_related"`
}

// LookupResult is the decoded data of a lookup response.
type LookupResult struct {
	UserID string `json:"user_id"`
}

// MediaResult is the decoded data of a last_media response: the target's
// most recent post ids, newest first.
type MediaResult struct {
	MediaIDs []string `json:"media_ids"`
}

// ListPage is the decoded data of a list_relationships response.
type ListPage struct {
	Users      []Account `json:"users"`
	NextCursor string    `json:"next_cursor"`
}

// StatusMap is the decoded data of a relationship_status response:
// target id → whether a relationship already exists.
type StatusMap map[string]bool
