// Package transport exposes the turn pipeline over HTTP: a JSON endpoint,
// a Server-Sent Events stream, a WebSocket stream and session lookup.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/engine"
	"github.com/hupe1980/careflow/logging"
	"github.com/hupe1980/careflow/stream"
)

const defaultMaxRequestBodySize = 1 << 20

// Service runs turns and exposes session state.
type Service interface {
	Stream(ctx context.Context, turn engine.Turn) (<-chan stream.Event, error)
	Invoke(ctx context.Context, turn engine.Turn) (map[string]any, error)
	Session(ctx context.Context, sessionID string) (*core.State, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Options configure a Handler.
type Options struct {
	// AllowedOrigins are host patterns accepted for WebSocket upgrades.
	// Empty allows same origin requests only.
	AllowedOrigins     []string
	MaxRequestBodySize int64
	Logger             logging.Logger
}

// ChatRequest is the body of a conversational turn.
type ChatRequest struct {
	Message        string             `json:"message"`
	SessionID      string             `json:"session_id"`
	PatientContext map[string]any     `json:"patient_context,omitempty"`
	Submission     *engine.Submission `json:"submission,omitempty"`
}

// Turn converts the request into an engine turn.
func (r ChatRequest) Turn() engine.Turn {
	return engine.Turn{
		SessionID:      r.SessionID,
		Message:        r.Message,
		PatientContext: r.PatientContext,
		Submission:     r.Submission,
	}
}

// SubmissionRequest is the body of a structured staff submission.
type SubmissionRequest struct {
	SessionID      string         `json:"session_id"`
	Kind           string         `json:"kind"`
	TargetAgent    core.AgentName `json:"target_agent,omitempty"`
	Payload        map[string]any `json:"payload"`
	Note           string         `json:"note,omitempty"`
	PatientContext map[string]any `json:"patient_context,omitempty"`
}

// Turn converts the request into an engine turn.
func (r SubmissionRequest) Turn() engine.Turn {
	return engine.Turn{
		SessionID:      r.SessionID,
		Message:        r.Note,
		PatientContext: r.PatientContext,
		Submission: &engine.Submission{
			Kind:        r.Kind,
			TargetAgent: r.TargetAgent,
			Payload:     r.Payload,
		},
	}
}

// Handler serves the HTTP surface.
type Handler struct {
	svc    Service
	opts   Options
	logger logging.Logger
}

// NewHandler creates a Handler for svc.
func NewHandler(svc Service, optFns ...func(o *Options)) *Handler {
	opts := Options{MaxRequestBodySize: defaultMaxRequestBodySize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}

	return &Handler{svc: svc, opts: opts, logger: logging.OrNoOp(opts.Logger)}
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Post("/chat/stream", h.HandleChatStream)
		r.Post("/submissions", h.HandleSubmission)
		r.Get("/sessions/{sessionID}", h.HandleGetSession)
		r.Delete("/sessions/{sessionID}", h.HandleDeleteSession)
	})
	r.Get("/ws", h.HandleWebSocket)
}

// NewRouter returns a chi router with the default middleware stack and the
// handler routes.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	h.RegisterRoutes(r)

	return r
}

// HandleChat handles POST /api/chat and answers with the result_json payload.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.invoke(w, r, req.Turn())
}

// HandleSubmission handles POST /api/submissions.
func (h *Handler) HandleSubmission(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		JSON(w, http.StatusBadRequest, map[string]any{"error": "kind is required", "code": "VALIDATION_ERROR", "session_id": req.SessionID})
		return
	}

	h.invoke(w, r, req.Turn())
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, turn engine.Turn) {
	turn = turn.WithDefaults()
	start := time.Now()

	result, err := h.svc.Invoke(r.Context(), turn)
	if err != nil {
		h.logger.Warn("transport.chat.failed",
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"session_id", turn.SessionID,
			"error", err.Error(),
		)
		JSON(w, StatusFor(err), engine.ErrorPayload(turn.SessionID, err))
		return
	}

	h.logger.Info("transport.chat",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"session_id", turn.SessionID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	JSON(w, http.StatusOK, result)
}

// HandleChatStream handles POST /api/chat/stream and streams the turn as
// Server-Sent Events named after the event type.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	turn := req.Turn().WithDefaults()

	flusher, ok := w.(http.Flusher)
	if !ok {
		JSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming not supported", "code": string(core.CodeInternalError)})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", turn.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, err := h.svc.Stream(r.Context(), turn)
	if err != nil {
		h.logger.Warn("transport.stream.rejected", "session_id", turn.SessionID, "error", err.Error())
		ce := core.AsError("transport.stream", err)
		for _, ev := range []stream.Event{stream.ErrorEvent(ce.Code, ce.Message), stream.DoneEvent()} {
			if writeErr := writeEvent(w, ev); writeErr != nil {
				return
			}
		}
		flusher.Flush()
		return
	}

	for ev := range events {
		ev, data := h.encodeEvent(turn.SessionID, ev)
		if err := writeSSE(w, string(ev.Type), string(data)); err != nil {
			// The engine sees the request context end and stops the turn.
			h.logger.Debug("transport.stream.write_failed", "session_id", turn.SessionID, "error", err.Error())
			continue
		}
		flusher.Flush()
	}
}

// encodeEvent marshals ev. An event that cannot be encoded is replaced by an
// INTERNAL_ERROR event, so the client still sees error then done.
func (h *Handler) encodeEvent(sessionID string, ev stream.Event) (stream.Event, []byte) {
	data, err := json.Marshal(ev)
	if err == nil {
		return ev, data
	}

	h.logger.Warn("transport.stream.marshal_failed",
		"session_id", sessionID,
		"event", string(ev.Type),
		"error", err.Error(),
	)

	replacement := stream.ErrorEvent(core.CodeInternalError, "event could not be encoded")
	data, _ = json.Marshal(replacement)
	return replacement, data
}

// HandleGetSession handles GET /api/sessions/{sessionID}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	state, err := h.svc.Session(r.Context(), sessionID)
	if err != nil {
		JSON(w, StatusFor(err), engine.ErrorPayload(sessionID, err))
		return
	}

	JSON(w, http.StatusOK, state)
}

// HandleDeleteSession handles DELETE /api/sessions/{sessionID}.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.svc.DeleteSession(r.Context(), sessionID); err != nil {
		JSON(w, StatusFor(err), engine.ErrorPayload(sessionID, err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large", "code": "VALIDATION_ERROR"})
			return false
		}
		if errors.Is(err, io.EOF) {
			JSON(w, http.StatusBadRequest, map[string]any{"error": "request body is empty", "code": "VALIDATION_ERROR"})
			return false
		}
		JSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "code": "VALIDATION_ERROR"})
		return false
	}

	return true
}

// StatusFor maps an error to an HTTP status by its code.
func StatusFor(err error) int {
	if errors.Is(err, engine.ErrInvalidTurn) {
		return http.StatusBadRequest
	}
	switch core.CodeOf(err) {
	case core.CodeSessionNotFound:
		return http.StatusNotFound
	case core.CodeTimeoutError:
		return http.StatusGatewayTimeout
	case core.CodeCancelled:
		return 499
	case core.CodeModelError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSON writes v as a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return writeSSE(w, string(ev.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
