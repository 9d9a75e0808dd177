package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/server"
)

// ResearchHandler exposes the research control surface over REST.
type ResearchHandler struct {
	svc    *server.ResearchService
	logger *zap.Logger
}

func NewResearchHandler(svc *server.ResearchService, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the REST routes on the provided mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleSessionStatus)
	mux.HandleFunc("POST /api/sessions/{id}/archive", h.handleArchiveSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.handleListEvents)
	mux.HandleFunc("POST /api/research", h.handleStartResearch)
	mux.HandleFunc("GET /api/nodes/{id}", h.handleNodeStatus)
	mux.HandleFunc("POST /api/nodes/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /api/nodes/{id}/regenerate", h.handleRegenerate)
	mux.HandleFunc("GET /api/nodes/{id}/table", h.handleGetTable)
	mux.HandleFunc("PUT /api/nodes/{id}/table", h.handleEditTable)
}

func (h *ResearchHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var input server.CreateSessionInput
	if !decodeBody(w, r, &input) {
		return
	}
	sess, err := h.svc.CreateSession(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *ResearchHandler) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var input server.StartResearchInput
	if !decodeBody(w, r, &input) {
		return
	}
	started, err := h.svc.StartResearch(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *ResearchHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RetryAll bool `json:"retry_all"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	started, err := h.svc.RetryNode(r.Context(), server.RetryNodeInput{
		NodeID:   r.PathValue("id"),
		RetryAll: body.RetryAll,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *ResearchHandler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instruction string `json:"instruction"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	started, err := h.svc.RegenerateTable(r.Context(), server.RegenerateTableInput{
		NodeID:      r.PathValue("id"),
		Instruction: body.Instruction,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *ResearchHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.svc.ListSessions(r.Context(), r.URL.Query().Get("owner_id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *ResearchHandler) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ArchiveSession(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": db.SessionArchived})
}

func (h *ResearchHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ResearchHandler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetSessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *ResearchHandler) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetNodeStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *ResearchHandler) handleGetTable(w http.ResponseWriter, r *http.Request) {
	table, err := h.svc.GetTable(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *ResearchHandler) handleEditTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows db.Rows `json:"rows"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	table, err := h.svc.EditTable(r.Context(), server.EditTableInput{
		NodeID: r.PathValue("id"),
		Rows:   body.Rows,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *ResearchHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.svc.ListEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *ResearchHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, db.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body required"})
		return false
	}
	// An empty body is an empty input; handlers validate required fields.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
