// Package httpserver exposes the chat relay over plain HTTP for runs outside
// Lambda.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"recipe-assistant/internal/domain"
	"recipe-assistant/internal/identity"
	"recipe-assistant/internal/relay"
	"recipe-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatService interface {
	Open(ctx context.Context, in usecase.ChatInput) (*relay.Stream, error)
	Record(ctx context.Context, in usecase.ChatInput, started time.Time, res relay.Result)
	History(ctx context.Context, id domain.Identity, mealID string) ([]domain.ChatTurn, error)
}

type MealSearcher interface {
	Search(ctx context.Context, query string) ([]domain.MealSummary, error)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Server struct {
	chat     ChatService
	meals    MealSearcher
	resolver identity.HeaderResolver
	logger   *slog.Logger
}

type Option func(*Server)

func WithIdentityHeader(name string) Option {
	return func(s *Server) {
		s.resolver = identity.HeaderResolver{Header: name}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(chat ChatService, meals MealSearcher, opts ...Option) (*Server, error) {
	if chat == nil {
		return nil, errors.New("httpserver: chat service must not be nil")
	}
	if meals == nil {
		return nil, errors.New("httpserver: meal searcher must not be nil")
	}
	s := &Server{chat: chat, meals: meals, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlationID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(api chi.Router) {
		api.Get("/chat-stream", s.handleChatStream)
		api.Get("/meals", s.handleMealSearch)
		api.Get("/meals/{mealId}/turns", s.handleTurns)
	})
	return r
}

// ListenAndServe serves until ctx is canceled, then drains open streams.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: responses are long-lived event streams.
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := usecase.ChatInput{
		Message:  q.Get("message"),
		MealID:   q.Get("mealId"),
		Identity: s.resolver.FromRequest(r),
	}
	started := time.Now()
	logger := s.requestLog(r)

	stream, err := s.chat.Open(r.Context(), in)
	if err != nil {
		s.writeError(w, logger, err)
		return
	}
	defer stream.Close()

	relay.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sw := relay.NewWriter(w)
	res, err := relay.Pump(r.Context(), stream, sw)
	if streamErr := stream.Err(); streamErr != nil {
		code := usecase.StreamErrorCode(streamErr)
		logger.Warn("stream ended with error", "code", code, "error", streamErr)
		if !res.Truncated {
			_ = sw.WriteError(code)
		}
	} else if err != nil {
		logger.Info("client went away", "error", err)
	}
	logger.Info("stream finished", "fragments", res.Fragments, "truncated", res.Truncated, "duration", time.Since(started))

	// The client may already be gone; recording still has to happen.
	s.chat.Record(context.WithoutCancel(r.Context()), in, started, res)
}

func (s *Server) handleMealSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_query"})
		return
	}
	meals, err := s.meals.Search(r.Context(), query)
	if err != nil {
		s.requestLog(r).Error("meal search failed", "query", query, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: string(usecase.ErrorUpstream), Reason: "mealdb_error"})
		return
	}
	if meals == nil {
		meals = []domain.MealSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"meals": meals})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	mealID := chi.URLParam(r, "mealId")
	turns, err := s.chat.History(r.Context(), s.resolver.FromRequest(r), mealID)
	if err != nil {
		s.writeError(w, s.requestLog(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mealId": mealID, "turns": turns})
}

func (s *Server) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	ue := usecase.AsError(err)
	status := usecase.HTTPStatus(ue.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", ue.Code, "reason", ue.Reason, "error", ue.Err)
	} else {
		logger.Info("request rejected", "code", ue.Code, "reason", ue.Reason)
	}
	writeJSON(w, status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func (s *Server) requestLog(r *http.Request) *slog.Logger {
	return s.logger.With("correlation_id", correlationOf(r), "request_id", middleware.GetReqID(r.Context()))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.requestLog(r).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// correlationID echoes the caller's X-Correlation-Id or assigns one.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(correlationHeader, id)
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

func correlationOf(r *http.Request) string {
	return r.Header.Get(correlationHeader)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
