package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campswap/messaging/internal/middleware"
	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/internal/service"
	"github.com/campswap/messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log.Named("conversation_handler"),
	}
}

// CreateGroup handles POST /api/v1/conversations/group
func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateGroupRequest
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	for _, p := range req.Participants {
		if err := middleware.ValidateUserID(p); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	conv, err := h.service.CreateGroup(ctx, middleware.GetUserID(ctx), req.Participants)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.service.List(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// UnreadTotal handles GET /api/v1/conversations/unread
func (h *ConversationHandler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.service.UnreadTotal(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"totalUnread": total})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	conv, err := h.service.Get(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
