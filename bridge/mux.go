package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is a raw duplex message pipe to the executing context. Post
// delivers one outbound frame; Messages yields inbound frames until the
// transport closes the channel.
type Transport interface {
	Post(ctx context.Context, frame []byte) error
	Messages() <-chan []byte
}

// envelope is the wire framing around Request/Response. Outbound frames
// carry the request fields plus a generated id; inbound frames echo the id.
type envelope struct {
	RequestID string `json:"request_id"`
	Request
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// MuxOptions configures a Mux.
type MuxOptions struct {
	// Timeout is the per-request deadline. Default: 8s.
	Timeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *MuxOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 8 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Mux correlates requests with responses over a Transport using generated
// request ids. At most one response is accepted per id; late or unknown
// responses are discarded. One long-lived Mux replaces per-call listener
// registration, so an abandoned request can never leak a handler.
type Mux struct {
	tr   Transport
	opts MuxOptions

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
}

// NewMux creates a Mux. Call Run to start routing inbound frames.
func NewMux(tr Transport, opts MuxOptions) *Mux {
	opts.defaults()
	return &Mux{
		tr:      tr,
		opts:    opts,
		pending: make(map[string]chan *Response),
	}
}

// Run routes inbound frames to their pending requests. It returns when ctx
// is cancelled or the transport closes its message channel, failing all
// still-pending requests with ErrClosed.
func (m *Mux) Run(ctx context.Context) {
	log := m.opts.Logger
	defer m.failAll()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-m.tr.Messages():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				log.Warn("bridge: bad inbound frame", "error", err)
				continue
			}
			m.dispatch(&env, log)
		}
	}
}

func (m *Mux) dispatch(env *envelope, log *slog.Logger) {
	m.mu.Lock()
	ch, ok := m.pending[env.RequestID]
	if ok {
		delete(m.pending, env.RequestID)
	}
	m.mu.Unlock()

	if !ok {
		// Response for a timed-out or duplicate request.
		log.Debug("bridge: discarding unmatched response", "request_id", env.RequestID)
		return
	}
	ch <- &Response{OK: env.OK, Data: env.Data, Error: env.Error}
}

// Send posts one request and waits for its response, the per-request
// timeout, or ctx cancellation, whichever comes first.
func (m *Mux) Send(ctx context.Context, req Request) (*Response, error) {
	id := uuid.Must(uuid.NewV7()).String()

	ch := make(chan *Response, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.pending[id] = ch
	m.mu.Unlock()

	frame, err := json.Marshal(envelope{RequestID: id, Request: req})
	if err != nil {
		m.forget(id)
		return nil, fmt.Errorf("bridge: marshal request: %w", err)
	}
	if err := m.tr.Post(ctx, frame); err != nil {
		m.forget(id)
		return nil, fmt.Errorf("bridge: post: %w", err)
	}

	timer := time.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C:
		m.forget(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	}
}

// Pending returns the number of in-flight requests.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mux) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Mux) failAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, ch := range m.pending {
		delete(m.pending, id)
		ch <- nil
	}
}
