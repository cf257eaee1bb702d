package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/browser"
	"github.com/lzA6/doubao2api-go/internal/config"
	"github.com/lzA6/doubao2api-go/internal/dispatch"
	"github.com/lzA6/doubao2api-go/internal/tokens"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

// Dispatcher admits chat requests and streams their fragments back
type Dispatcher interface {
	Handle(ctx context.Context, req *models.ChatRequest) (<-chan models.Fragment, error)
}

// SessionPool is the introspection and eviction slice of the browser pool
type SessionPool interface {
	Snapshot() models.PoolStats
	Evict(sessionID string) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	dispatcher Dispatcher
	pool       SessionPool
	catalog    *config.Catalog
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(dispatcher Dispatcher, pool SessionPool, catalog *config.Catalog, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		pool:       pool,
		catalog:    catalog,
		logger:     logger,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = h.catalog.Default()
	}
	botID, ok := h.catalog.Resolve(req.Model)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown model %q", req.Model))
		return
	}
	req.BotID = botID
	req.ID = "chatcmpl-" + uuid.New().String()

	stream, err := h.dispatcher.Handle(r.Context(), &req)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	if req.Stream {
		h.streamCompletion(w, &req, stream)
		return
	}
	h.bufferCompletion(w, &req, stream)
}

// streamCompletion relays fragments as SSE chunks in the chat.completion.chunk shape
func (h *Handler) streamCompletion(w http.ResponseWriter, req *models.ChatRequest, stream <-chan models.Fragment) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	writeChunk(w, chunkWithDelta(req, created, models.ChunkDelta{Role: "assistant"}))
	flusher.Flush()

	var full strings.Builder
	for f := range stream {
		switch f.Kind {
		case models.FragmentDelta:
			full.WriteString(f.Delta)
			writeChunk(w, chunkWithDelta(req, created, models.ChunkDelta{Content: f.Delta}))
		case models.FragmentDone:
			usage := tokens.Usage(req.Messages, full.String())
			writeChunk(w, finalChunk(req, created, "stop", &usage))
		case models.FragmentError:
			// headers are long gone, so the failure rides in the terminal chunk
			writeChunk(w, errorChunk(req, created, f))
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// bufferCompletion accumulates the whole stream into one chat.completion response
func (h *Handler) bufferCompletion(w http.ResponseWriter, req *models.ChatRequest, stream <-chan models.Fragment) {
	var full strings.Builder
	var terminal models.Fragment
	for f := range stream {
		if f.Kind == models.FragmentDelta {
			full.WriteString(f.Delta)
		}
		if f.Terminal() {
			terminal = f
		}
	}

	if terminal.Kind == models.FragmentError {
		status := http.StatusBadGateway
		if terminal.ErrKind == "timeout" || terminal.ErrKind == "stall_timeout" {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, terminal.ErrKind, terminal.Message)
		return
	}
	if terminal.Kind != models.FragmentDone {
		// caller cancelled; nothing sensible to write
		return
	}

	resp := models.ChatResponse{
		ID:      req.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.Choice{{
			Index: 0,
			Message: models.ChatResponseMessage{
				Role:    "assistant",
				Content: full.String(),
			},
			FinishReason: "stop",
		}},
		Usage: tokens.Usage(req.Messages, full.String()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	list := models.ModelList{Object: "list", Data: []models.Model{}}
	for _, id := range h.catalog.Models() {
		list.Data = append(list.Data, models.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "doubao",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.pool.Snapshot())
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.pool.Evict(vars["id"]); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrTooBusy):
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "too many in-flight requests, try again later")
	case errors.Is(err, browser.ErrPoolTimeout):
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no browser session became available in time")
	case errors.Is(err, browser.ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "session pool is shut down")
	default:
		h.logger.Error("dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to dispatch request")
	}
}

func chunkWithDelta(req *models.ChatRequest, created int64, delta models.ChunkDelta) models.ChatChunk {
	return models.ChatChunk{
		ID:      req.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta}},
	}
}

func finalChunk(req *models.ChatRequest, created int64, reason string, usage *models.Usage) models.ChatChunk {
	return models.ChatChunk{
		ID:      req.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []models.ChunkChoice{{Index: 0, FinishReason: &reason}},
		Usage:   usage,
	}
}

func errorChunk(req *models.ChatRequest, created int64, f models.Fragment) models.ChatChunk {
	reason := "error"
	return models.ChatChunk{
		ID:      req.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []models.ChunkChoice{{
			Index:        0,
			Delta:        models.ChunkDelta{Content: fmt.Sprintf("\n[%s] %s", f.ErrKind, f.Message)},
			FinishReason: &reason,
		}},
	}
}

func writeChunk(w http.ResponseWriter, chunk models.ChatChunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorBody{Error: models.ErrorDetail{
		Message: message,
		Type:    errType,
	}})
}
