package silentq

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/silentq/queue"
	"github.com/hazyhaar/silentq/seenset"
)

// Router returns the control API. It is the daemon's only surface: the UI
// submits runs, observes progress over SSE, and manages the seen set
// through it.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/queue/start", s.handleStart)
		r.Post("/queue/stop", s.handleStop)
		r.Post("/queue/reset", s.handleReset)
		r.Get("/queue/status", s.handleStatus)

		r.Post("/targets/collect", s.handleCollect)
		r.Post("/targets/followers", s.handleFollowers)

		r.Get("/seen", s.handleSeenExport)
		r.Post("/seen", s.handleSeenImport)

		r.Get("/events", s.handleEvents)

		if s.Agent != nil {
			r.Get("/channel/requests", s.Agent.handleAgentPoll)
			r.Post("/channel/responses", s.Agent.handleAgentPush)
		}
	})
	return r
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, okResponse{OK: false, Error: err.Error()})
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	if err := s.StartRun(r.Context(), req); err != nil {
		switch {
		case errors.Is(err, queue.ErrAlreadyRunning):
			writeErr(w, http.StatusConflict, err)
		case errors.Is(err, queue.ErrInvalidMode), errors.Is(err, queue.ErrNoTargets):
			writeErr(w, http.StatusBadRequest, err)
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Sched.Stop(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Sched.Reset(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// statusResponse is the queue snapshot as the UI consumes it.
type statusResponse struct {
	Active       bool         `json:"active"`
	Phase        string       `json:"phase"`
	Mode         string       `json:"mode,omitempty"`
	Processed    int          `json:"processed"`
	Total        int          `json:"total"`
	NextActionAt int64        `json:"next_action_at,omitempty"` // unix ms
	Strikes      int          `json:"strikes,omitempty"`
	Streak       int          `json:"streak,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Items        []queue.Item `json:"items,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.Sched.Snapshot()
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Phase: string(queue.PhaseIdle)})
		return
	}
	resp := statusResponse{
		Active:    st.Phase != queue.PhaseIdle && st.Phase != queue.PhaseDone,
		Phase:     string(st.Phase),
		Mode:      string(st.Mode),
		Processed: st.Processed,
		Total:     len(st.Items),
		Strikes:   st.StrikeCount,
		Streak:    st.SuccessStreak,
		Reason:    st.Reason,
		Items:     st.Items,
	}
	if !st.NextActionAt.IsZero() {
		resp.NextActionAt = st.NextActionAt.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handles []string `json:"handles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	targets, err := s.CollectTargets(r.Context(), req.Handles)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool           `json:"ok"`
		Targets []queue.Target `json:"targets"`
	}{OK: true, Targets: targets})
}

func (s *Service) handleFollowers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	targets, err := s.CollectFollowers(r.Context(), req.Handle)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool           `json:"ok"`
		Targets []queue.Target `json:"targets"`
	}{OK: true, Targets: targets})
}

func (s *Service) handleSeenExport(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Seen.Export(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool            `json:"ok"`
		Count   int             `json:"count"`
		Entries []seenset.Entry `json:"entries"`
	}{OK: true, Count: len(entries), Entries: entries})
}

func (s *Service) handleSeenImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []seenset.Entry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return
	}
	if err := s.Seen.ImportEntries(r.Context(), req.Entries); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleEvents streams the bus over SSE. One event per message, named by
// its type, until the client goes away.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.Bus.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("silentq: marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
