package warmindex_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hazyhaar/silentq/bridge"
	"github.com/hazyhaar/silentq/warmindex"
)

// listChannel serves canned relationship pages.
type listChannel struct {
	pages []bridge.ListPage
	calls int
	fail  bool
}

func (c *listChannel) Send(_ context.Context, req bridge.Request) (*bridge.Response, error) {
	if req.Kind != bridge.KindListRelationships {
		return nil, fmt.Errorf("unexpected kind %s", req.Kind)
	}
	if c.fail {
		return nil, errors.New("boom")
	}
	if c.calls >= len(c.pages) {
		return nil, errors.New("no more pages")
	}
	page := c.pages[c.calls]
	c.calls++
	data, _ := json.Marshal(page)
	return &bridge.Response{OK: true, Data: data}, nil
}

func page(next string, ids ...string) bridge.ListPage {
	p := bridge.ListPage{NextCursor: next}
	for _, id := range ids {
		p.Users = append(p.Users, bridge.Account{ID: id, Handle: "h" + id})
	}
	return p
}

func TestBuildPaginates(t *testing.T) {
	ch := &listChannel{pages: []bridge.ListPage{
		page("c1", "1", "2"),
		page("", "3"),
	}}
	ix := warmindex.New(warmindex.Options{PageSize: 2})

	if err := ix.Build(context.Background(), ch, nil); err != nil {
		t.Fatal(err)
	}
	if !ix.Ready() {
		t.Fatal("index should be ready")
	}
	if ix.Len() != 3 {
		t.Fatalf("len = %d, want 3", ix.Len())
	}
	for _, id := range []string{"1", "2", "3"} {
		if !ix.Has(id) {
			t.Fatalf("missing id %s", id)
		}
	}
	if ch.calls != 2 {
		t.Fatalf("calls = %d, want 2", ch.calls)
	}
}

func TestBuildStopsAtCap(t *testing.T) {
	ch := &listChannel{pages: []bridge.ListPage{
		page("c1", "1", "2"),
		page("c2", "3", "4"),
		page("", "5"),
	}}
	ix := warmindex.New(warmindex.Options{Max: 3})

	if err := ix.Build(context.Background(), ch, nil); err != nil {
		t.Fatal(err)
	}
	if ix.Len() != 3 {
		t.Fatalf("len = %d, want 3 (capped)", ix.Len())
	}
	if ch.calls > 2 {
		t.Fatalf("calls = %d, should stop once cap reached", ch.calls)
	}
}

func TestBuildSeedsAndSurvivesListingFailure(t *testing.T) {
	ch := &listChannel{fail: true}
	ix := warmindex.New(warmindex.Options{})

	if err := ix.Build(context.Background(), ch, []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}
	if !ix.Ready() {
		t.Fatal("index should be ready despite listing failure")
	}
	if !ix.Has("s1") || !ix.Has("s2") {
		t.Fatal("seed ids missing")
	}
}

func TestAddAndHandleLookup(t *testing.T) {
	ix := warmindex.New(warmindex.Options{})
	ix.Add(" 42 ", " SomeOne ")

	if !ix.Has("42") {
		t.Fatal("42 should be present")
	}
	id, ok := ix.IDForHandle("someone")
	if !ok || id != "42" {
		t.Fatalf("IDForHandle = %q,%v, want 42,true", id, ok)
	}

	ix.Add("", "ignored")
	if ix.Len() != 1 {
		t.Fatalf("len = %d, want 1", ix.Len())
	}
}

func TestHasAny(t *testing.T) {
	ix := warmindex.New(warmindex.Options{})
	ix.Add("1", "")
	ix.Add("2", "")

	found := ix.HasAny([]string{"1", "3", " 2 "})
	if len(found) != 2 {
		t.Fatalf("found %d, want 2", len(found))
	}
}
