package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/silentq/bridge"
)

// ChannelOptions configures the in-page action channel.
type ChannelOptions struct {
	// BaseURL is the platform origin the session tab lives on.
	BaseURL string
	// SelfID is the session account's own id, needed for relationship
	// listings.
	SelfID string
	// RequestTimeout bounds one in-page call. Default: 8s.
	RequestTimeout time.Duration
	// NavigateTimeout bounds opening the session tab. Default: 30s.
	NavigateTimeout time.Duration
	Logger          *slog.Logger
}

func (o *ChannelOptions) defaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 8 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Channel implements bridge.Channel by evaluating platform API calls inside
// a stealth tab. Requests inherit the tab's cookies, so the session must
// already be logged in.
type Channel struct {
	mgr  *Manager
	opts ChannelOptions

	mu   sync.Mutex
	page *rod.Page
}

// NewChannel creates a Channel over mgr. The session tab is opened lazily
// on the first Send and reopened after a browser recycle.
func NewChannel(mgr *Manager, opts ChannelOptions) (*Channel, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("browser: channel needs a base URL")
	}
	opts.defaults()
	c := &Channel{mgr: mgr, opts: opts}
	mgr.OnRecycle(func(*rod.Browser) {
		c.mu.Lock()
		c.page = nil
		c.mu.Unlock()
	})
	return c, nil
}

// envelope is the request as the in-page dispatcher sees it.
type envelope struct {
	bridge.Request
	Base   string `json:"base"`
	SelfID string `json:"self_id"`
}

// Send executes one request in the session tab.
func (c *Channel) Send(ctx context.Context, req bridge.Request) (*bridge.Response, error) {
	page, err := c.tab(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	env := envelope{Request: req, Base: c.opts.BaseURL, SelfID: c.opts.SelfID}
	res, err := page.Context(callCtx).Eval(dispatchJS, env)
	if err != nil {
		// A dead tab is reopened on the next call.
		c.mu.Lock()
		c.page = nil
		c.mu.Unlock()
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, bridge.ErrTimeout
		}
		return nil, fmt.Errorf("browser: dispatch %s: %w", req.Kind, err)
	}

	raw, err := json.Marshal(res.Value.Val())
	if err != nil {
		return nil, fmt.Errorf("browser: encode dispatch result: %w", err)
	}
	var resp bridge.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("browser: decode dispatch result: %w", err)
	}
	if !resp.OK {
		c.opts.Logger.Debug("browser: platform rejected request",
			"kind", req.Kind, "error", resp.Error)
	}
	return &resp, nil
}

// tab returns the session tab, opening it if needed.
func (c *Channel) tab(ctx context.Context) (*rod.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.page != nil {
		return c.page, nil
	}
	b := c.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create session tab: %w", err)
	}
	navCtx, cancel := context.WithTimeout(ctx, c.opts.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(c.opts.BaseURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", c.opts.BaseURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		c.opts.Logger.Warn("browser: session tab load timeout", "error", err)
	}
	c.opts.Logger.Info("browser: session tab ready", "url", c.opts.BaseURL)
	c.page = page
	return page, nil
}

// dispatchJS runs in the page context. It performs one platform API call
// per request kind using the session's cookies and returns the normalized
// {ok, data, error} shape the bridge expects. Platform rejections come back
// as ok=false with the body's error text, so rate-limit and feedback
// signatures survive intact for classification.
const dispatchJS = `async (req) => {
	const csrf = () => {
		const m = document.cookie.match(/(?:^|;\s*)csrftoken=([^;]+)/);
		return m ? decodeURIComponent(m[1]) : "";
	};
	const call = async (path, opts = {}) => {
		const url = new URL(path, req.base);
		if (opts.qs) Object.entries(opts.qs).forEach(([k, v]) => url.searchParams.set(k, v));
		const res = await fetch(url.toString(), {
			method: opts.method || "GET",
			credentials: "include",
			headers: {
				"content-type": "application/x-www-form-urlencoded",
				"x-csrftoken": csrf(),
				"x-requested-with": "XMLHttpRequest",
			},
			body: opts.body,
		});
		const text = await res.text();
		if (!res.ok) throw new Error("http_" + res.status + ":" + text.slice(0, 140));
		return text ? JSON.parse(text) : {};
	};
	const related = (f) => !!(f && (f.following || f.outgoing_request));
	try {
		switch (req.kind) {
		case "follow": {
			const cur = await call("/api/v1/friendships/show/" + req.user_id + "/");
			if (related(cur)) {
				return { ok: true, data: { following: false, already_related: true } };
			}
			const j = await call("/api/v1/friendships/create/" + req.user_id + "/",
				{ method: "POST", body: "" });
			return { ok: true, data: { following: related(j.friendship_status), already_related: false } };
		}
		case "unfollow": {
			await call("/api/v1/friendships/destroy/" + req.user_id + "/",
				{ method: "POST", body: "" });
			return { ok: true, data: { following: false, already_related: false } };
		}
		case "like": {
			await call("/web/likes/" + req.media_id + "/like/", { method: "POST", body: "" });
			return { ok: true, data: {} };
		}
		case "lookup": {
			const j = await call("/api/v1/users/web_profile_info/", { qs: { username: req.handle } });
			const u = j && j.data && j.data.user;
			if (!u || !u.id) return { ok: false, error: "user not found" };
			return { ok: true, data: { user_id: String(u.id) } };
		}
		case "last_media": {
			const j = await call("/api/v1/feed/user/" + req.user_id + "/",
				{ qs: { count: String(req.limit || 1) } });
			const ids = (j.items || []).map((it) => String(it.pk || it.id)).filter(Boolean);
			return { ok: true, data: { media_ids: ids } };
		}
		case "relationship_status": {
			const body = new URLSearchParams({ user_ids: (req.user_ids || []).join(",") }).toString();
			const j = await call("/api/v1/friendships/show_many/", { method: "POST", body });
			const st = j.friendship_statuses || {};
			const out = {};
			for (const id of req.user_ids || []) out[id] = related(st[id]);
			return { ok: true, data: out };
		}
		case "list_relationships": {
			const qs = { count: String(req.limit || 24) };
			if (req.cursor) qs.max_id = req.cursor;
			const owner = req.user_id || req.self_id;
			const rel = req.list || "following";
			const j = await call("/api/v1/friendships/" + owner + "/" + rel + "/", { qs });
			const users = (j.users || []).map((u) => ({
				id: String(u.pk || u.id),
				handle: u.username || "",
			}));
			return { ok: true, data: { users: users, next_cursor: j.next_max_id || "" } };
		}
		}
		return { ok: false, error: "unknown kind " + req.kind };
	} catch (err) {
		return { ok: false, error: String((err && err.message) || err) };
	}
}`
