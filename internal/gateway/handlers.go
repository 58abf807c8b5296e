package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"harness/internal/api"
	"harness/internal/event"
	"harness/internal/history"
)

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !s.allow(w) {
		return
	}

	x, err := s.start(r.Context(), req, nil)
	if errors.Is(err, errUnknownAgent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set(api.HeaderExecutionID, x.id)
	s.follow(w, r, x, 0)
}

func (s *Server) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	x, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found or no longer resumable")
		return
	}
	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("cursor")
	}
	w.Header().Set(api.HeaderExecutionID, x.id)
	s.follow(w, r, x, parseCursor(cursor))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if x, ok := s.lookup(id); ok {
		writeJSON(w, http.StatusOK, x.snapshot())
		return
	}
	s.writeStored(w, r, id)
}

// handleCancel requests cancellation. Cancelling a finished execution is a
// no-op that reports its final state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	x, ok := s.lookup(id)
	if !ok {
		s.writeStored(w, r, id)
		return
	}
	if x.finished() {
		writeJSON(w, http.StatusOK, x.snapshot())
		return
	}
	x.tok.Cancel("cancelled by client")
	writeJSON(w, http.StatusAccepted, x.snapshot())
}

func (s *Server) writeStored(w http.ResponseWriter, r *http.Request, id string) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	e, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fromJournal(e))
}

func fromJournal(e *history.Execution) api.Execution {
	out := api.Execution{
		ID:          e.ID,
		Status:      e.Status,
		Message:     e.Prompt,
		SessionID:   e.SessionID,
		Iterations:  e.Iterations,
		Error:       e.Error,
		CreatedAt:   e.StartedAt,
		CompletedAt: e.FinishedAt,
	}
	if e.FinishedAt != nil {
		out.Usage = &event.Usage{
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			TotalTokens:  e.InputTokens + e.OutputTokens,
			DurationMs:   e.FinishedAt.Sub(e.StartedAt).Milliseconds(),
		}
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorBody{Error: msg})
}
