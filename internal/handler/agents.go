// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/townsim-ai/dialogue-engine/internal/middleware"
	"github.com/townsim-ai/dialogue-engine/internal/model"
	"github.com/townsim-ai/dialogue-engine/internal/orchestrator"
	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// AgentHandler handles agent roster endpoints.
type AgentHandler struct {
	engine *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(engine *orchestrator.Orchestrator, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		engine: engine,
		logger: log,
	}
}

// RegisterAgentRequest is the body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio,omitempty"`
}

// UpdateAgentRequest is the body for PUT /api/v1/agents/:id. All fields are
// optional; absent fields are left untouched.
type UpdateAgentRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	State       *string `json:"state,omitempty"`
}

// SyncAgentsRequest is the body for PUT /api/v1/agents. It replaces the
// roster wholesale with the collaborator's view of the world.
type SyncAgentsRequest struct {
	Agents []RegisterAgentRequest `json:"agents"`
}

// Register handles POST /api/v1/agents
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateAgentID(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateDisplayName(req.DisplayName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.engine.RegisterAgent(model.Agent{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		State:       model.AgentIdle,
	})

	agent, _ := h.engine.GetAgent(req.ID)
	writeJSON(w, http.StatusCreated, agent)
}

// List handles GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := h.engine.AgentIDs()
	agents := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		if agent, ok := h.engine.GetAgent(id); ok {
			agents = append(agents, agent)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"total":  len(agents),
	})
}

// Get handles GET /api/v1/agents/:id
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, ok := h.engine.GetAgent(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// Update handles PUT /api/v1/agents/:id
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req UpdateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DisplayName != nil {
		if err := middleware.ValidateDisplayName(*req.DisplayName); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	upd := orchestrator.AgentUpdate{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
	}
	if req.State != nil {
		state := model.AgentState(*req.State)
		switch state {
		case model.AgentIdle, model.AgentMoving:
			upd.State = &state
		default:
			writeError(w, http.StatusBadRequest, "invalid agent state")
			return
		}
	}

	if !h.engine.UpdateAgent(agentID, upd) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	agent, _ := h.engine.GetAgent(agentID)
	writeJSON(w, http.StatusOK, agent)
}

// Unregister handles DELETE /api/v1/agents/:id
func (h *AgentHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.engine.UnregisterAgent(agentID) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sync handles PUT /api/v1/agents
func (h *AgentHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncAgentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	roster := make(map[string]model.Agent, len(req.Agents))
	for _, a := range req.Agents {
		if err := middleware.ValidateAgentID(a.ID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := middleware.ValidateDisplayName(a.DisplayName); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		roster[a.ID] = model.Agent{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			Bio:         a.Bio,
			State:       model.AgentIdle,
		}
	}

	h.engine.SyncAgents(roster)

	writeJSON(w, http.StatusOK, map[string]int{
		"synced": len(roster),
	})
}
