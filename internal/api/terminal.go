package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/user/termcore/internal/db"
)

type createSessionRequest struct {
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
	Command string `json:"command,omitempty"`
}

type writeInputRequest struct {
	Data []byte `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type setActiveRequest struct {
	ID string `json:"id"`
}

type activeResponse struct {
	ID *string `json:"id"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}

	info, err := h.terminals.CreateSession(r.Context(), req.Cols, req.Rows, strings.TrimSpace(req.Command))
	if err != nil {
		writeTerminalError(w, err)
		return
	}
	h.notifySessions()
	jsonResponse(w, http.StatusCreated, info)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.terminals.ListSessions(r.Context()))
}

func (h *handler) killSession(w http.ResponseWriter, r *http.Request) {
	if err := h.terminals.KillSession(r.Context(), r.PathValue("id")); err != nil {
		writeTerminalError(w, err)
		return
	}
	h.notifySessions()
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) writeInput(w http.ResponseWriter, r *http.Request) {
	var req writeInputRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if len(req.Data) == 0 {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "data is required")
		return
	}

	if err := h.terminals.WriteInput(r.Context(), r.PathValue("id"), req.Data); err != nil {
		writeTerminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) resizeSession(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}

	if err := h.terminals.Resize(r.Context(), r.PathValue("id"), req.Cols, req.Rows); err != nil {
		writeTerminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) setActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "id is required")
		return
	}

	if err := h.terminals.SetActive(r.Context(), req.ID); err != nil {
		writeTerminalError(w, err)
		return
	}
	h.notifySessions()
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) getActive(w http.ResponseWriter, r *http.Request) {
	var resp activeResponse
	if id, ok := h.terminals.GetActive(r.Context()); ok {
		resp.ID = &id
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		jsonError(w, http.StatusServiceUnavailable, codeUnavailable, "history is not enabled")
		return
	}

	query := r.URL.Query()
	filter := db.SessionEventFilter{
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Kind:      strings.TrimSpace(query.Get("kind")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			jsonError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := h.history.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, codeInternal, "failed to list history")
		return
	}
	jsonResponse(w, http.StatusOK, events)
}

func (h *handler) notifySessions() {
	if h.notifier != nil {
		h.notifier.BroadcastSessions()
	}
}
