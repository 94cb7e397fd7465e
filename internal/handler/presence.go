package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campswap/messaging/internal/middleware"
	"github.com/campswap/messaging/pkg/logger"
)

// PresenceReader answers presence questions for operators.
type PresenceReader interface {
	IsOnline(userID string) bool
	OnlineUsers() int
}

// PresenceHandler serves the admin presence endpoints.
type PresenceHandler struct {
	presence PresenceReader
	logger   *logger.Logger
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(p PresenceReader, log *logger.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence: p,
		logger:   log.Named("presence_handler"),
	}
}

// Summary handles GET /api/v1/admin/presence
func (h *PresenceHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"onlineUsers": h.presence.OnlineUsers()})
}

// User handles GET /api/v1/admin/presence/{userId}
func (h *PresenceHandler) User(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"online": h.presence.IsOnline(userID),
	})
}
