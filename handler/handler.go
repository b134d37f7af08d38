package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"recipe-assistant/internal/domain"
	"recipe-assistant/internal/identity"
	"recipe-assistant/internal/relay"
	"recipe-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	chatStreamPath    = "/api/chat-stream"
	mealsPrefix       = "/api/meals/"
	turnsSuffix       = "/turns"
)

// ChatUseCase is the application surface the Lambda handler drives.
type ChatUseCase interface {
	Open(ctx context.Context, in usecase.ChatInput) (*relay.Stream, error)
	Record(ctx context.Context, in usecase.ChatInput, started time.Time, res relay.Result)
	History(ctx context.Context, id domain.Identity, mealID string) ([]domain.ChatTurn, error)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type turnsResponse struct {
	MealID string            `json:"mealId"`
	Turns  []domain.ChatTurn `json:"turns"`
}

// Handler serves a Lambda Function URL configured for response streaming.
type Handler struct {
	uc       ChatUseCase
	resolver identity.HeaderResolver
	// trustHeader enables the identity header for deployments where an
	// upstream proxy, not IAM, authenticates callers.
	trustHeader bool
	logger      *slog.Logger
}

type Option func(*Handler)

// WithIdentityHeader trusts the named header when no IAM caller is present.
func WithIdentityHeader(name string) Option {
	return func(h *Handler) {
		h.resolver = identity.HeaderResolver{Header: name}
		h.trustHeader = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes one Function URL invocation.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "path", req.RawPath)

	path := strings.TrimRight(req.RawPath, "/")
	switch {
	case path == "" || path == chatStreamPath:
		return h.chatStream(ctx, req, correlationID, logger), nil
	case path == "/healthz":
		return jsonResponse(http.StatusOK, correlationID, map[string]string{"status": "ok"}), nil
	case strings.HasPrefix(path, mealsPrefix) && strings.HasSuffix(path, turnsSuffix):
		mealID := strings.TrimSuffix(strings.TrimPrefix(path, mealsPrefix), turnsSuffix)
		return h.turns(ctx, req, mealID, correlationID, logger), nil
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) chatStream(ctx context.Context, req events.LambdaFunctionURLRequest, correlationID string, logger *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	in := usecase.ChatInput{
		Message:  req.QueryStringParameters["message"],
		MealID:   req.QueryStringParameters["mealId"],
		Identity: h.identityOf(req),
	}
	started := time.Now()

	stream, err := h.uc.Open(ctx, in)
	if err != nil {
		return errorToResponse(err, correlationID, logger)
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		w := relay.NewWriter(pw)
		res, err := relay.Pump(ctx, stream, w)
		if streamErr := stream.Err(); streamErr != nil {
			code := usecase.StreamErrorCode(streamErr)
			logger.Warn("stream ended with error", "code", code, "error", streamErr)
			if !res.Truncated {
				_ = w.WriteError(code)
			}
		} else if err != nil {
			logger.Info("client stopped reading", "error", err)
		}
		logger.Info("stream finished", "fragments", res.Fragments, "truncated", res.Truncated, "duration", time.Since(started))
		// The runtime cancels ctx and may freeze the environment once the
		// body hits EOF, so the turns are saved before the pipe closes.
		h.uc.Record(ctx, in, started, res)
		_ = pw.Close()
	}()

	headers := relay.Headers()
	headers[correlationHeader] = correlationID
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       pr,
	}
}

func (h *Handler) turns(ctx context.Context, req events.LambdaFunctionURLRequest, mealID, correlationID string, logger *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	turns, err := h.uc.History(ctx, h.identityOf(req), mealID)
	if err != nil {
		return errorToResponse(err, correlationID, logger)
	}
	return jsonResponse(http.StatusOK, correlationID, turnsResponse{MealID: mealID, Turns: turns})
}

// identityOf prefers the IAM caller verified by the Function URL authorizer.
func (h *Handler) identityOf(req events.LambdaFunctionURLRequest) domain.Identity {
	if auth := req.RequestContext.Authorizer; auth != nil && auth.IAM != nil {
		if id := strings.TrimSpace(auth.IAM.UserID); id != "" {
			return domain.Identity{UserID: id}
		}
	}
	if h.trustHeader {
		return h.resolver.FromMap(req.Headers)
	}
	return domain.Identity{}
}

func errorToResponse(err error, correlationID string, logger *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	ue := usecase.AsError(err)
	status := usecase.HTTPStatus(ue.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", ue.Code, "reason", ue.Reason, "error", ue.Err)
	} else {
		logger.Info("request rejected", "code", ue.Code, "reason", ue.Reason)
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func jsonResponse(status int, correlationID string, v any) *events.LambdaFunctionURLStreamingResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: bytes.NewReader(body),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
