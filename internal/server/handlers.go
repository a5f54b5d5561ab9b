package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/router"
	"github.com/xkilldash9x/rocker/internal/scanner"
)

// CommandResponse is the envelope for every REST response.
type CommandResponse struct {
	Status string `json:"status"` // "success", "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IntentRequest carries either free text or a tool call.
type IntentRequest struct {
	Text string         `json:"text,omitempty"`
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// VisibilityRequest shows or hides a surface.
type VisibilityRequest struct {
	Surface router.Surface `json:"surface"`
	Visible bool           `json:"visible"`
}

type outcomeBody struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Handlers serves the REST side of the control server.
type Handlers struct {
	log  *zap.Logger
	deps Deps
}

func NewHandlers(logger *zap.Logger, deps Deps) *Handlers {
	return &Handlers{log: logger.Named("handlers"), deps: deps}
}

// RegisterRoutes mounts /healthz and the /v1 API.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/intents", h.HandleIntent)
		r.Get("/tools", h.HandleListTools)
		r.Get("/capabilities", h.HandleCapabilities)
		r.Get("/voice", h.HandleVoiceState)
		r.Post("/visibility", h.HandleVisibility)
		r.Post("/sessions/{sessionID}/load", h.HandleLoadSession)
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleIntent runs one utterance or tool call and reports its outcome. A
// failed command is still a 200; the outcome says what went wrong.
func (h *Handlers) HandleIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var out router.Outcome
	switch {
	case req.Tool != "":
		h.log.Info("Received tool call", zap.String("tool", req.Tool))
		out = h.deps.Router.HandleToolCall(r.Context(), req.Tool, req.Args)
	case strings.TrimSpace(req.Text) != "":
		h.log.Info("Received utterance", zap.String("text", req.Text))
		out = h.deps.Router.Dispatch(r.Context(), router.Intent{Source: router.SourceUI, Command: router.ParseUtterance(req.Text)})
	default:
		h.respondWithError(w, http.StatusBadRequest, "Either 'text' or 'tool' is required.")
		return
	}
	h.respondWithOutcome(w, out)
}

func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, router.Tools())
}

func (h *Handlers) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	if h.deps.Capabilities == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Capability scanning is not running.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, wireCapabilities(h.deps.Capabilities.Latest()))
}

// wireCapabilities drops the live node references, which are cyclic.
func wireCapabilities(caps []scanner.Capability) []schemas.Capability {
	out := make([]schemas.Capability, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.Capability)
	}
	return out
}

func (h *Handlers) HandleVoiceState(w http.ResponseWriter, r *http.Request) {
	if h.deps.Voice == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Voice is not configured.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, h.deps.Voice.Snapshot())
}

func (h *Handlers) HandleVisibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	switch req.Surface {
	case router.SurfacePage, router.SurfaceOverlay:
	default:
		h.respondWithError(w, http.StatusBadRequest, "Unknown surface: "+string(req.Surface))
		return
	}
	out := h.deps.Router.Dispatch(r.Context(), router.Intent{
		Source:  router.SourceUI,
		Command: router.Visibility{Surface: req.Surface, Visible: req.Visible},
	})
	h.respondWithOutcome(w, out)
}

func (h *Handlers) HandleLoadSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	out := h.deps.Router.Dispatch(r.Context(), router.Intent{
		Source:  router.SourceUI,
		Command: router.LoadSession{SessionID: id},
	})
	h.respondWithOutcome(w, out)
}

func (h *Handlers) respondWithOutcome(w http.ResponseWriter, out router.Outcome) {
	status := "success"
	if !out.Success {
		status = "error"
	}
	h.respondWithStatus(w, http.StatusOK, status, outcomeBody{Success: out.Success, Message: out.Message, Data: out.Data})
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, "error", map[string]string{"error": message})
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data any) {
	h.respondWithStatus(w, statusCode, "success", data)
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := CommandResponse{Status: status}
	if errMap, ok := data.(map[string]string); ok && errMap["error"] != "" {
		resp.Error = errMap["error"]
	} else {
		resp.Data = data
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
