// Package handler provides HTTP handlers for the synchronous API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/middleware"
	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/internal/service"
	"github.com/campswap/messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	broadcaster         service.Broadcaster
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler. broadcaster receives the
// sender-side acknowledgement so the sender's realtime devices see HTTP sends.
func NewMessageHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	broadcaster service.Broadcaster,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		broadcaster:         broadcaster,
		logger:              log.Named("message_handler"),
	}
}

// Send handles POST /api/v1/messages/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.send(w, r, service.SendInput{
		ReceiverID:     req.ReceiverID,
		ConversationID: req.ConversationID,
		AdvertID:       req.AdvertID,
		Content:        req.Content,
		MessageType:    req.MessageType,
	})
}

// CreateConversation handles POST /api/v1/conversations. It starts (or
// reuses) the private conversation with an initial message.
func (h *MessageHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req model.CreateConversationRequest
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateUserID(req.ReceiverID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.send(w, r, service.SendInput{
		ReceiverID:  req.ReceiverID,
		AdvertID:    req.AdvertID,
		Content:     req.Content,
		MessageType: req.MessageType,
	})
}

func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request, in service.SendInput) {
	ctx := r.Context()
	in.SenderID = middleware.GetUserID(ctx)
	in.Path = service.PathHTTP

	res, err := h.messageService.Send(ctx, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.broadcaster.SendToUser(in.SenderID, events.MessageSent{
		MessageID:      res.Message.ID,
		ConversationID: res.Conversation.ID,
		Timestamp:      res.Message.Timestamp,
		Message:        res.Message,
	})

	writeJSON(w, http.StatusCreated, model.SendMessageResponse{
		Message:      res.Message,
		Conversation: res.Conversation,
	})
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	page, err := middleware.QueryInt(r, "page", 1)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	limit, err := middleware.QueryInt(r, "limit", service.DefaultPageLimit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.conversationService.Messages(ctx, conversationID, middleware.GetUserID(ctx), page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// MarkRead handles PATCH /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	n, err := h.messageService.MarkConversationRead(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.MarkReadResponse{
		ConversationID: conversationID,
		Updated:        n,
	})
}
