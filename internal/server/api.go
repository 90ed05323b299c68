package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/manager"
)

type apiHandler struct {
	mgr     *manager.Manager
	startAt time.Time
	logger  *slog.Logger
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// errStatus maps manager errors onto HTTP codes. Unknown loops are 404,
// rejected transitions and bad input are 409/400, everything else is 500.
func errStatus(err error) int {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "unknown loop"):
		return http.StatusNotFound
	case strings.Contains(msg, "cannot start") ||
		strings.Contains(msg, "requires status") ||
		strings.Contains(msg, "invalid transition"):
		return http.StatusConflict
	case strings.Contains(msg, "required") || strings.Contains(msg, "not a git repository"):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startAt).Round(time.Second).String(),
		"loops":  len(h.mgr.List()),
	})
}

func (h *apiHandler) handleListLoops(w http.ResponseWriter, r *http.Request) {
	loops := h.mgr.List()
	sort.Slice(loops, func(i, j int) bool {
		return loops[i].Config.Name < loops[j].Config.Name
	})
	writeJSON(w, http.StatusOK, loops)
}

func (h *apiHandler) handleCreateLoop(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateLoopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := h.mgr.CreateLoop(r.Context(), req)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *apiHandler) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "loop not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *apiHandler) handleStartLoop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.Start(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "starting"})
}

func (h *apiHandler) handleStopLoop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "stopped by user"
	}
	if err := h.mgr.Stop(r.Context(), id, body.Reason); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stopped"})
}

func (h *apiHandler) handleInject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Message string            `json:"message"`
		Model   *loop.ModelConfig `json:"model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Message == "" && body.Model == nil {
		writeError(w, http.StatusBadRequest, "message or model is required")
		return
	}
	if err := h.mgr.Inject(r.Context(), id, body.Message, body.Model); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *apiHandler) handlePlanFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Feedback == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	if err := h.mgr.InjectPlanFeedback(r.Context(), id, body.Feedback); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *apiHandler) handleAcceptPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.AcceptPlan(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "executing"})
}

func (h *apiHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.Push(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	snap, _ := h.mgr.Get(id)
	writeJSON(w, http.StatusOK, snap)
}

func (h *apiHandler) handleDeleteLoop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.Delete(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
