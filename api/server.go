// Package api serves search and chat over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabfab/datasearch/chat"
	"github.com/fabfab/datasearch/conversation"
	"github.com/fabfab/datasearch/retrieval"
	"github.com/fabfab/datasearch/telemetry"
	"github.com/fabfab/datasearch/vectorindex"
)

const (
	defaultSearchLimit = chat.DefaultSearchLimit
	maxSearchLimit     = 100
	defaultSourceLimit = chat.DefaultSourceLimit
	maxSourceLimit     = 20
	maxBodyBytes       = 1 << 20
)

var tracer = otel.Tracer("github.com/fabfab/datasearch/api")

// Service is the chat surface the server exposes. *chat.Service satisfies it.
type Service interface {
	Search(ctx context.Context, query string, limit int) (chat.SearchResult, error)
	Chat(ctx context.Context, message, conversationID string, sourceLimit int) (chat.Answer, error)
	ListConversations(ctx context.Context) ([]conversation.Summary, error)
	Conversation(ctx context.Context, id string) (conversation.Conversation, error)
	ClearConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
}

var _ Service = (*chat.Service)(nil)

// Health reports index and conversation sizes for /health.
type Health struct {
	Datasets      int `json:"datasets"`
	Chunks        int `json:"chunks"`
	Conversations int `json:"conversations"`
}

type Options struct {
	// Health is optional; without it /health only reports status.
	Health  func(ctx context.Context) (Health, error)
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Server exposes HTTP handlers for search and chat.
type Server struct {
	svc     Service
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type healthResponse struct {
	Status string `json:"status"`
	*Health
}

type resultResponse struct {
	ID         string  `json:"id"`
	Score      float64 `json:"score"`
	SourceType string  `json:"source_type"`
	Title      string  `json:"title"`
	Preview    string  `json:"preview"`
	DatasetID  string  `json:"dataset_id"`
	URL        string  `json:"url,omitempty"`
	SourceFile string  `json:"source_file,omitempty"`
}

type searchResponse struct {
	Query     string           `json:"query"`
	Results   []resultResponse `json:"results"`
	Total     int              `json:"total"`
	ElapsedMS int64            `json:"elapsed_ms"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	SourceLimit    int    `json:"source_limit"`
}

type chatResponse struct {
	Answer         string           `json:"answer"`
	Sources        []resultResponse `json:"sources"`
	ConversationID string           `json:"conversation_id"`
	LatencyMS      int64            `json:"latency_ms"`
	Mode           string           `json:"mode"`
	Fallback       bool             `json:"fallback"`
}

// New constructs a Server backed by svc.
func New(svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{svc: svc, opts: opts, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.yaml", s.handleOpenAPI)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", s.handleSearch)
		r.Post("/chat", s.handleChat)
		r.Route("/chat/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Get("/{id}", s.handleGetConversation)
			r.Delete("/{id}", s.handleDeleteConversation)
			r.Post("/{id}/clear", s.handleClearConversation)
		})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// observe logs every request and counts it by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), "http.request",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.opts.Metrics.ObserveHTTP(route, rec.status)
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.opts.Health != nil {
		health, err := s.opts.Health(r.Context())
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "unhealthy", fmt.Errorf("health check: %w", err))
			return
		}
		resp.Health = &health
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("query parameter q is required"))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultSearchLimit, 1, maxSearchLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("limit: %w", err))
		return
	}

	result, err := s.svc.Search(r.Context(), query, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, searchResponse{
		Query:     result.Query,
		Results:   toResults(result.Results),
		Total:     len(result.Results),
		ElapsedMS: result.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("decode request: %w", err))
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("message is required"))
		return
	}
	if req.SourceLimit == 0 {
		req.SourceLimit = defaultSourceLimit
	}
	if req.SourceLimit < 1 || req.SourceLimit > maxSourceLimit {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("source_limit must be between 1 and %d", maxSourceLimit))
		return
	}

	answer, err := s.svc.Chat(r.Context(), req.Message, strings.TrimSpace(req.ConversationID), req.SourceLimit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		Answer:         answer.Text,
		Sources:        toResults(answer.Sources),
		ConversationID: answer.ConversationID,
		LatencyMS:      answer.Latency.Milliseconds(),
		Mode:           answer.Mode,
		Fallback:       answer.Fallback,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.ListConversations(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []conversation.Summary{}
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps the error taxonomy onto status codes. Retrieval
// failures are 503 so clients can tell "could not search" apart from a
// broken conversation.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, vectorindex.ErrInvalidQueryParameters):
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, conversation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, chat.ErrRetrievalUnavailable), errors.Is(err, retrieval.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "retrieval_unavailable", err)
	case errors.Is(err, chat.ErrConversationState):
		s.writeError(w, http.StatusInternalServerError, "conversation_state", err)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "timeout", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", "status", status, "code", code, "error", err)
	} else {
		s.logger.Debug("api error", "status", status, "code", code, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func intParam(raw string, fallback, lo, hi int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return n, nil
}

func toResults(candidates []vectorindex.Candidate) []resultResponse {
	results := make([]resultResponse, len(candidates))
	for i, c := range candidates {
		title := c.Payload.Title
		if title == "" {
			title = c.Payload.SourceFile
		}
		results[i] = resultResponse{
			ID:         c.ID,
			Score:      c.Score,
			SourceType: string(c.SourceType),
			Title:      title,
			Preview:    c.Payload.Text,
			DatasetID:  c.Payload.DatasetID,
			URL:        c.Payload.URL,
			SourceFile: c.Payload.SourceFile,
		}
	}
	return results
}
