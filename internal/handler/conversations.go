package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/internal/middleware"
	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/internal/orchestrator"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	engine *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(engine *orchestrator.Orchestrator, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		engine: engine,
		logger: log,
	}
}

// RequestConversationRequest is the body for POST /api/v1/conversations.
type RequestConversationRequest struct {
	InitiatorID   string `json:"initiator_id"`
	TargetID      string `json:"target_id"`
	Topic         string `json:"topic,omitempty"`
	Priority      string `json:"priority,omitempty"`
	UserInitiated bool   `json:"user_initiated,omitempty"`
}

// Request handles POST /api/v1/conversations
func (h *ConversationHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req RequestConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateAgentID(req.InitiatorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateAgentID(req.TargetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateTopic(req.Topic); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var priority model.Priority
	switch req.Priority {
	case "":
	case "low":
		priority = model.PriorityLow
	case "normal":
		priority = model.PriorityNormal
	case "high":
		priority = model.PriorityHigh
	default:
		writeError(w, http.StatusBadRequest, "invalid priority")
		return
	}

	id, ok := h.engine.RequestConversation(req.InitiatorID, req.TargetID, orchestrator.RequestOptions{
		Topic:         req.Topic,
		Priority:      priority,
		UserInitiated: req.UserInitiated,
	})
	if !ok {
		writeError(w, http.StatusConflict, "conversation request rejected")
		return
	}

	conv, _ := h.engine.GetConversation(id)
	writeJSON(w, http.StatusAccepted, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	var convs []model.Conversation

	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		if err := middleware.ValidateAgentID(agentID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		convs = h.engine.GetConversationsForAgent(agentID)
	} else {
		convs = h.engine.GetAllConversations()
	}

	if convs == nil {
		convs = []model.Conversation{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"total":         len(convs),
	})
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, ok := h.engine.GetConversation(conversationID)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// End handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) End(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := h.engine.GetConversation(conversationID); !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	h.engine.EndConversation(conversationID, "")
	w.WriteHeader(http.StatusNoContent)
}

// SendMessageRequest is the body for POST /api/v1/conversations/:id/messages.
type SendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// SendMessage handles POST /api/v1/conversations/:id/messages
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateAgentID(req.SenderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := h.engine.SendMessage(conversationID, req.SenderID, req.Text); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, orchestrator.ErrConversationNotActive):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotAParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("failed to send message", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to send message")
	}
}

// Stats handles GET /api/v1/conversations/stats
func (h *ConversationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.GetStats()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": stats,
		"active":        h.engine.ActiveConversationCount(),
		"queued":        h.engine.QueueLength(),
	})
}

// Queue handles GET /api/v1/queue
func (h *ConversationHandler) Queue(w http.ResponseWriter, r *http.Request) {
	entries := h.engine.QueueSnapshot()
	if entries == nil {
		entries = []orchestrator.QueueEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": entries,
		"total": len(entries),
	})
}
