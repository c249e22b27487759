package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"securechat/internal/auth"
	"securechat/internal/models"
	"securechat/internal/registry"
	"securechat/internal/services"
	"securechat/pkg/logger"
)

// ConversationHandlers is the membership-management HTTP surface.
type ConversationHandlers struct {
	router      *services.Router
	reg         *registry.Registry
	authService *auth.Service
}

func NewConversationHandlers(router *services.Router, reg *registry.Registry, authService *auth.Service) *ConversationHandlers {
	return &ConversationHandlers{
		router:      router,
		reg:         reg,
		authService: authService,
	}
}

type CreateConversationRequest struct {
	Kind    models.ConversationKind `json:"kind"`
	Name    string                  `json:"name"`
	Members []string                `json:"members"`
}

type AddMemberRequest struct {
	Identity string      `json:"username"`
	Role     models.Role `json:"role"`
}

// Register mounts the routes on mux.
func (h *ConversationHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /conversations", h.CreateConversation)
	mux.HandleFunc("GET /conversations/{id}/members", h.GetMembers)
	mux.HandleFunc("POST /conversations/{id}/members", h.AddMember)
	mux.HandleFunc("DELETE /conversations/{id}/members/{identity}", h.RemoveMember)
	mux.HandleFunc("GET /online", h.Online)
	mux.HandleFunc("GET /healthz", h.Health)
}

func (h *ConversationHandlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authService.IdentityFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	conv, err := h.router.CreateConversation(r.Context(), identity, req.Kind, req.Name, req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandlers) GetMembers(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authService.IdentityFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	if _, _, err := h.router.Resolve(r.Context(), identity, id); err != nil {
		writeError(w, err)
		return
	}
	members, err := h.router.Members(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"members":         members,
	})
}

func (h *ConversationHandlers) AddMember(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authService.IdentityFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := h.router.AddMember(r.Context(), identity, r.PathValue("id"), req.Identity, req.Role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authService.IdentityFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.router.RemoveMember(r.Context(), identity, r.PathValue("id"), r.PathValue("identity")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandlers) Online(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authService.IdentityFromRequest(r); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OnlineListPayload{Users: h.reg.Snapshot()})
}

func (h *ConversationHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotMember), errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
		msg = "internal server error"
	}
	writeJSON(w, status, models.ErrorPayload{Code: models.ErrorCode(err), Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}
