package handlers

import (
	"io"
	"net/http"

	"github.com/draftea/saga-pipeline/relay-service/application"
	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/saga"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const maxPayloadBytes = 1 << 20

// SagaHandlers contains the saga HTTP handlers
type SagaHandlers struct {
	startSaga *application.StartSaga
	pipeline  *saga.Pipeline
	logger    zerolog.Logger
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(startSaga *application.StartSaga, pipeline *saga.Pipeline, logger zerolog.Logger) *SagaHandlers {
	return &SagaHandlers{
		startSaga: startSaga,
		pipeline:  pipeline,
		logger:    logger,
	}
}

// StageView is the wire form of a stage descriptor.
type StageView struct {
	Name     string `json:"name"`
	Ordinal  int    `json:"ordinal"`
	Inbound  string `json:"inbound"`
	Outbound string `json:"outbound,omitempty"`
	Terminal bool   `json:"terminal"`
}

// TopologyResponse describes the declared topology of the pipeline.
type TopologyResponse struct {
	Pipeline        string                    `json:"pipeline"`
	EntryQueue      string                    `json:"entry_queue"`
	CompletionQueue string                    `json:"completion_queue,omitempty"`
	DeadLetter      broker.Binding            `json:"dead_letter"`
	Stages          []StageView               `json:"stages"`
	Queues          []broker.QueueDeclaration `json:"queues"`
}

// StartSaga handles saga start requests. The request body is the saga payload.
func (h *SagaHandlers) StartSaga(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.startSaga.Execute(r.Context(), &application.StartSagaCommand{Payload: payload})
	if err != nil {
		if errors.Is(err, application.ErrInvalidPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, response)
}

// Topology handles topology introspection requests
func (h *SagaHandlers) Topology(w http.ResponseWriter, r *http.Request) {
	stages := h.pipeline.Stages()
	response := TopologyResponse{
		Pipeline:   h.pipeline.Name(),
		EntryQueue: h.pipeline.EntryQueue(),
		DeadLetter: h.pipeline.Policy().Binding(),
		Stages:     make([]StageView, 0, len(stages)),
		Queues:     h.pipeline.Queues(),
	}
	if sink, ok := h.pipeline.CompletionQueue(); ok {
		response.CompletionQueue = sink
	}
	for _, stage := range stages {
		response.Stages = append(response.Stages, StageView{
			Name:     stage.Name,
			Ordinal:  stage.Ordinal,
			Inbound:  stage.Inbound,
			Outbound: stage.Outbound,
			Terminal: stage.Terminal(),
		})
	}

	h.writeJSON(w, http.StatusOK, response)
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", h.StartSaga)
	})
	r.Get("/topology", h.Topology)
}

// writeJSON sends v with status. The header is already out when encoding
// fails, so the failure can only be logged.
func (h *SagaHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Int("status", status).Msg("failed to encode response")
	}
}
