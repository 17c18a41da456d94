package silentq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// AgentTransport bridges the daemon to an in-page agent over HTTP: the
// agent long-polls for request frames, performs them inside the logged-in
// session, and posts response frames back. It is the alternative to the
// rod-driven channel when the session lives in a browser the daemon cannot
// attach to (e.g. the user's own, with an extension acting as the agent).
type AgentTransport struct {
	requests  chan []byte
	responses chan []byte
}

// NewAgentTransport creates a transport for one agent.
func NewAgentTransport() *AgentTransport {
	return &AgentTransport{
		requests:  make(chan []byte, 16),
		responses: make(chan []byte, 16),
	}
}

// Post hands one outbound frame to the polling agent.
func (t *AgentTransport) Post(ctx context.Context, frame []byte) error {
	select {
	case t.requests <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages yields the agent's response frames.
func (t *AgentTransport) Messages() <-chan []byte {
	return t.responses
}

// handleAgentPoll serves the next request frame, waiting up to the `wait`
// query parameter (seconds, default 25) before answering 204.
func (t *AgentTransport) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	wait := 25 * time.Second
	if s := r.URL.Query().Get("wait"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 && secs <= 60 {
			wait = time.Duration(secs) * time.Second
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case frame := <-t.requests:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(frame)
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

// handleAgentPush accepts one response frame from the agent.
func (t *AgentTransport) handleAgentPush(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(frame) {
		writeJSON(w, http.StatusBadRequest, okResponse{OK: false, Error: "frame is not valid JSON"})
		return
	}
	select {
	case t.responses <- frame:
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	case <-r.Context().Done():
	}
}
