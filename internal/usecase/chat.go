package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"recipe-assistant/internal/domain"
	"recipe-assistant/internal/integrations/paramstore"
	"recipe-assistant/internal/relay"
)

const (
	defaultMaxMessage   = 1000
	defaultHistoryLimit = 50
	defaultModel        = "@cf/meta/llama-3-8b-instruct"
	upstreamTooMany     = 429
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Stream(ctx context.Context, model string, messages []domain.ChatMessage) (io.ReadCloser, error)
}

type MealCatalog interface {
	Lookup(ctx context.Context, id string) (json.RawMessage, error)
}

// TurnStore persists finished conversation turns.
type TurnStore interface {
	SaveTurns(ctx context.Context, userID string, turns []domain.ChatTurn) error
	ListTurns(ctx context.Context, userID, mealID string, limit int) ([]domain.ChatTurn, error)
}

type RateLimiter interface {
	Allow(key string) bool
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Config carries the relay tunables. Zero values fall back to defaults.
type Config struct {
	ParamPrefix        string
	MaxMessageLength   int
	CharLimit          int
	DrainAfterTruncate bool
	IdleTimeout        time.Duration
	// UpstreamTimeout bounds a whole upstream completion. Zero means no bound.
	UpstreamTimeout time.Duration
	HistoryLimit    int
}

type ServiceOption func(*ChatService)

func WithTurnStore(store TurnStore) ServiceOption {
	return func(s *ChatService) {
		s.turns = store
	}
}

func WithRateLimiter(limiter RateLimiter) ServiceOption {
	return func(s *ChatService) {
		s.limiter = limiter
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type ChatService struct {
	params  ParamGetter
	llm     LLMClient
	meals   MealCatalog
	turns   TurnStore
	limiter RateLimiter
	logger  *slog.Logger
	cfg     Config

	cacheMu     sync.RWMutex
	cacheLoaded bool
	persona     string
	model       string
}

type ChatInput struct {
	Message  string
	MealID   string
	Identity domain.Identity
}

func NewChatService(p ParamGetter, llm LLMClient, meals MealCatalog, cfg Config, opts ...ServiceOption) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if meals == nil {
		return nil, errors.New("usecase: meal catalog must not be nil")
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessage
	}
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = relay.DefaultCharLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	s := &ChatService{
		params: p,
		llm:    llm,
		meals:  meals,
		logger: slog.Default(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open validates the request and starts the upstream completion. Every
// failure here happens before any fragment exists, so transports can still
// answer with a plain status code. The caller must Close the stream.
func (s *ChatService) Open(ctx context.Context, in ChatInput) (*relay.Stream, error) {
	message := strings.TrimSpace(in.Message)
	mealID := strings.TrimSpace(in.MealID)
	if message == "" || mealID == "" {
		return nil, newError(ErrorInvalidInput, "missing_parameters", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return nil, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if in.Identity.Empty() {
		return nil, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	if s.limiter != nil && !s.limiter.Allow(in.Identity.UserID) {
		return nil, newError(ErrorRateLimited, "caller_rate_limited", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}

	meal, err := s.meals.Lookup(ctx, mealID)
	if err != nil {
		s.logger.Warn("meal lookup failed, continuing without context", "meal_id", mealID, "error", err)
		meal = nil
	}

	upstreamCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.UpstreamTimeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	}

	body, err := s.llm.Stream(upstreamCtx, s.model, buildPromptMessages(s.persona, meal, message))
	if err != nil {
		cancel()
		if status, ok := upstreamStatusCode(err); ok && status == upstreamTooMany {
			return nil, newError(ErrorRateLimited, "workersai_rate_limited", err)
		}
		return nil, newError(ErrorUpstream, "workersai_error", err)
	}

	s.logger.Debug("upstream stream opened", "meal_id", mealID, "model", s.model)
	return relay.NewStream(&cancelOnClose{ReadCloser: body, cancel: cancel}, relay.Options{
		CharLimit:          s.cfg.CharLimit,
		DrainAfterTruncate: s.cfg.DrainAfterTruncate,
		IdleTimeout:        s.cfg.IdleTimeout,
		Logger:             s.logger,
	}), nil
}

// Record stores the user turn and the relayed AI turn once a stream ended.
// Failures are logged only; the client already has its response.
func (s *ChatService) Record(ctx context.Context, in ChatInput, started time.Time, res relay.Result) {
	if s.turns == nil || in.Identity.Empty() {
		return
	}
	mealID := strings.TrimSpace(in.MealID)
	turns := []domain.ChatTurn{{
		ID:        newUUID(),
		MealID:    mealID,
		Content:   strings.TrimSpace(in.Message),
		CreatedAt: started.UTC(),
	}}
	if res.Content != "" {
		turns = append(turns, domain.ChatTurn{
			ID:        newUUID(),
			MealID:    mealID,
			Content:   res.Content,
			IsAI:      true,
			Truncated: res.Truncated,
			CreatedAt: now().UTC(),
		})
	}
	if err := s.turns.SaveTurns(ctx, in.Identity.UserID, turns); err != nil {
		s.logger.Error("failed to record chat turns", "meal_id", mealID, "error", err)
	}
}

// History returns the greeting followed by the caller's stored turns for a
// meal, oldest first.
func (s *ChatService) History(ctx context.Context, id domain.Identity, mealID string) ([]domain.ChatTurn, error) {
	mealID = strings.TrimSpace(mealID)
	if mealID == "" {
		return nil, newError(ErrorInvalidInput, "missing_meal_id", nil)
	}
	if id.Empty() {
		return nil, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	out := []domain.ChatTurn{domain.GreetingTurn(mealID)}
	if s.turns == nil {
		return out, nil
	}
	stored, err := s.turns.ListTurns(ctx, id.UserID, mealID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, newError(ErrorInternal, "turn_store_read_error", err)
	}
	return append(out, stored...), nil
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	persona, err := s.loadParam(ctx, "/persona", defaultPersona)
	if err != nil {
		return fmt.Errorf("usecase: load persona: %w", err)
	}
	model, err := s.loadParam(ctx, "/config/model", defaultModel)
	if err != nil {
		return fmt.Errorf("usecase: load model: %w", err)
	}

	s.persona = persona
	s.model = model
	s.cacheLoaded = true
	return nil
}

// loadParam reads one parameter, using fallback when it was never created.
func (s *ChatService) loadParam(ctx context.Context, suffix, fallback string) (string, error) {
	v, err := s.params.GetParameter(ctx, s.cfg.ParamPrefix+suffix)
	if errors.Is(err, paramstore.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strings.TrimSpace(v), nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// cancelOnClose ends the upstream request context together with its body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = time.Now
