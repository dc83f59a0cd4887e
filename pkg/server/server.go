package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/google/uuid"

	"github.com/EternisAI/agentcore/pkg/memory"
)

// Server exposes the memory engine over a JSON HTTP API.
type Server struct {
	engine *memory.Engine
	banks  *memory.BankStore
	logger *log.Logger
}

func New(engine *memory.Engine, banks *memory.BankStore, logger *log.Logger) *Server {
	return &Server{
		engine: engine,
		banks:  banks,
		logger: logger,
	}
}

func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()

	router.Get("/health", s.handleHealth)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/banks", s.handleCreateBank)
		r.Get("/banks/{bankID}", s.handleGetBank)
		r.Patch("/banks/{bankID}", s.handleUpdateBank)

		r.Post("/banks/{bankID}/retain", s.handleRetain)
		r.Post("/banks/{bankID}/recall", s.handleRecall)
		r.Post("/banks/{bankID}/reflect", s.handleReflect)

		r.Post("/banks/{bankID}/mental-models", s.handleCreateMentalModel)
		r.Get("/banks/{bankID}/mental-models", s.handleListMentalModels)
		r.Get("/banks/{bankID}/mental-models/{modelID}", s.handleGetMentalModel)
		r.Patch("/banks/{bankID}/mental-models/{modelID}", s.handleUpdateMentalModel)
		r.Delete("/banks/{bankID}/mental-models/{modelID}", s.handleDeleteMentalModel)

		r.Post("/consolidate", s.handleConsolidate)
	})

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- banks ---

type bankRequest struct {
	Mission     *string        `json:"mission"`
	Disposition map[string]int `json:"disposition"`
	Directives  []string       `json:"directives"`
}

func (s *Server) handleCreateBank(w http.ResponseWriter, r *http.Request) {
	var req bankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mission := ""
	if req.Mission != nil {
		mission = *req.Mission
	}
	bank, err := s.banks.Create(r.Context(), mission, req.Disposition, req.Directives)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bank)
}

func (s *Server) handleGetBank(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	bank, err := s.banks.Get(r.Context(), bankID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}

func (s *Server) handleUpdateBank(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	var req bankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bank, err := s.banks.Update(r.Context(), bankID, req.Mission, req.Disposition, req.Directives)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}

// --- retain / recall / reflect ---

type retainRequest struct {
	Content string `json:"content"`
	Context string `json:"context"`
}

func (s *Server) handleRetain(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	var req retainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.Retain(r.Context(), bankID, req.Content, req.Context)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type recallRequest struct {
	Query  string `json:"query"`
	Budget string `json:"budget"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	budget := memory.Budget(req.Budget)
	if req.Budget == "" {
		budget = memory.BudgetMid
	}

	result, err := s.engine.Recall(r.Context(), bankID, req.Query, budget)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reflectRequest struct {
	Query               string   `json:"query"`
	Tags                []string `json:"tags"`
	TagsMatch           string   `json:"tags_match"`
	ExcludeMentalModels []string `json:"exclude_mental_model_ids"`
	MaxIterations       int      `json:"max_iterations"`
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	var req reflectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []memory.ReflectOption
	if len(req.Tags) > 0 {
		opts = append(opts, memory.WithTags(req.Tags...))
	}
	if req.TagsMatch != "" {
		opts = append(opts, memory.WithTagsMatch(memory.TagMatchMode(req.TagsMatch)))
	}
	if len(req.ExcludeMentalModels) > 0 {
		var ids []uuid.UUID
		for _, raw := range req.ExcludeMentalModels {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid mental model id: "+raw)
				return
			}
			ids = append(ids, id)
		}
		opts = append(opts, memory.WithExcludeMentalModels(ids...))
	}
	if req.MaxIterations > 0 {
		opts = append(opts, memory.WithMaxIterations(req.MaxIterations))
	}

	result, err := s.engine.Reflect(r.Context(), bankID, req.Query, opts...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- mental models ---

type mentalModelRequest struct {
	Name        *string        `json:"name"`
	Content     *string        `json:"content"`
	Description *string        `json:"description"`
	SourceQuery *string        `json:"source_query"`
	Tags        []string       `json:"tags"`
	Trigger     map[string]any `json:"trigger"`
	MaxTokens   *int           `json:"max_tokens"`
	EntityID    *string        `json:"entity_id"`
}

func (s *Server) handleCreateMentalModel(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	var req mentalModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := memory.CreateMentalModelParams{
		Tags:    req.Tags,
		Trigger: req.Trigger,
	}
	if req.Name != nil {
		params.Name = *req.Name
	}
	if req.Content != nil {
		params.Content = *req.Content
	}
	if req.Description != nil {
		params.Description = *req.Description
	}
	if req.SourceQuery != nil {
		params.SourceQuery = *req.SourceQuery
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}
	if req.EntityID != nil {
		entityID, err := uuid.Parse(*req.EntityID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid entity id")
			return
		}
		params.EntityID = &entityID
	}

	model, err := s.engine.CreateMentalModel(r.Context(), bankID, params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model)
}

func (s *Server) handleListMentalModels(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}

	query := r.URL.Query()
	tags := query["tag"]
	mode := memory.TagMatchMode(query.Get("tags_match"))
	if mode == "" {
		mode = memory.TagMatchAny
	}

	limit := parseIntParam(query.Get("limit"), 20)
	offset := parseIntParam(query.Get("offset"), 0)

	models, err := s.engine.ListMentalModels(r.Context(), bankID, tags, mode, limit, offset)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if models == nil {
		models = []memory.MentalModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mental_models": models, "total": len(models)})
}

func (s *Server) handleGetMentalModel(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	modelID, ok := s.parseID(w, r, "modelID")
	if !ok {
		return
	}

	model, err := s.engine.GetMentalModel(r.Context(), bankID, modelID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleUpdateMentalModel(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	modelID, ok := s.parseID(w, r, "modelID")
	if !ok {
		return
	}
	var req mentalModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := memory.UpdateMentalModelParams{
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		SourceQuery: req.SourceQuery,
		Tags:        req.Tags,
		Trigger:     req.Trigger,
		MaxTokens:   req.MaxTokens,
	}

	model, err := s.engine.UpdateMentalModel(r.Context(), bankID, modelID, params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleDeleteMentalModel(w http.ResponseWriter, r *http.Request) {
	bankID, ok := s.parseID(w, r, "bankID")
	if !ok {
		return
	}
	modelID, ok := s.parseID(w, r, "modelID")
	if !ok {
		return
	}

	if err := s.engine.DeleteMentalModel(r.Context(), bankID, modelID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- consolidation ---

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.TriggerConsolidation(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- helpers ---

func (s *Server) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrContentTooLong),
		errors.Is(err, memory.ErrInvalidBudget):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}
