package consumer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"recipe-assistant/internal/consumer"
	"recipe-assistant/internal/domain"
	"recipe-assistant/internal/httpserver"
	"recipe-assistant/internal/integrations/mealdb"
	"recipe-assistant/internal/integrations/paramstore"
	"recipe-assistant/internal/integrations/workersai"
	"recipe-assistant/internal/ratelimit"
	"recipe-assistant/internal/repository"
	"recipe-assistant/internal/usecase"
)

// stack wires the real relay against fake upstreams.
type stack struct {
	relay   *httptest.Server
	prompts chan []domain.ChatMessage
	deltas  []string
}

func newStack(t *testing.T, deltas []string, mealStatus int, charLimit int) *stack {
	t.Helper()
	st := &stack{prompts: make(chan []domain.ChatMessage, 4), deltas: deltas}

	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/acct/ai/run/@cf/meta/llama-3-8b-instruct", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var req struct {
			Messages []domain.ChatMessage `json:"messages"`
			Stream   bool                 `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		st.prompts <- req.Messages
		if st.deltas == nil {
			// 200 with an empty body
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, d := range st.deltas {
			fmt.Fprintf(w, "data: {\"response\":%q}\n\n", d)
			f.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(ai.Close)

	meals := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mealStatus != http.StatusOK {
			w.WriteHeader(mealStatus)
			return
		}
		_, _ = w.Write([]byte(`{"meals":[{"idMeal":"52772","strMeal":"Teriyaki Chicken Casserole"}]}`))
	}))
	t.Cleanup(meals.Close)

	params := paramstore.EnvGetter{
		Prefix: "/recipe",
		Lookup: func(key string) (string, bool) {
			if key == "PARAM_API_TOKEN" {
				return `{"token":"test-token"}`, true
			}
			return "", false
		},
	}
	llm, err := workersai.NewClient(params, "/recipe", "acct", workersai.WithBaseURL(ai.URL))
	require.NoError(t, err)
	catalog := mealdb.New(mealdb.WithBaseURL(meals.URL))

	store, err := repository.NewSQLite(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := usecase.NewChatService(params, llm, catalog,
		usecase.Config{ParamPrefix: "/recipe", CharLimit: charLimit, DrainAfterTruncate: true},
		usecase.WithTurnStore(store),
		usecase.WithRateLimiter(ratelimit.New(60, 10)),
	)
	require.NoError(t, err)

	srv, err := httpserver.New(svc, catalog, httpserver.WithIdentityHeader("X-User"))
	require.NoError(t, err)
	st.relay = httptest.NewServer(srv.Router())
	t.Cleanup(st.relay.Close)
	return st
}

func (st *stack) conversation(t *testing.T, user string) (*consumer.Client, *consumer.Conversation) {
	t.Helper()
	client, err := consumer.NewClient(st.relay.URL, consumer.WithIdentity("X-User", user))
	require.NoError(t, err)
	conv, err := consumer.NewConversation(client, "52772")
	require.NoError(t, err)
	t.Cleanup(conv.Close)
	return client, conv
}

func TestEndToEnd_StreamAndHistory(t *testing.T) {
	st := newStack(t, []string{"Use ", "tamari."}, http.StatusOK, 0)
	client, conv := st.conversation(t, "cook-1")

	id, err := conv.Submit(context.Background(), "Soy sauce swap?")
	require.NoError(t, err)
	require.NoError(t, conv.Wait(context.Background()))

	state, _ := conv.State(id)
	require.Equal(t, consumer.Complete, state)
	require.Equal(t, "Use tamari.", conv.Turns()[2].Content)

	prompt := <-st.prompts
	require.Len(t, prompt, 2)
	require.Contains(t, prompt[0].Content, `"strMeal":"Teriyaki Chicken Casserole"`)
	require.Equal(t, "Soy sauce swap?", prompt[1].Content)

	history, err := client.History(context.Background(), "52772")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "greeting", history[0].ID)
	require.Equal(t, "Soy sauce swap?", history[1].Content)
	require.Equal(t, "Use tamari.", history[2].Content)
	require.True(t, history[2].IsAI)
}

func TestEndToEnd_ScenarioB_Truncation(t *testing.T) {
	st := newStack(t, []string{"hello world", "more", "even more"}, http.StatusOK, 10)
	_, conv := st.conversation(t, "cook-1")

	id, err := conv.Submit(context.Background(), "Say hello")
	require.NoError(t, err)
	require.NoError(t, conv.Wait(context.Background()))

	state, _ := conv.State(id)
	require.Equal(t, consumer.Truncated, state)
	ai := conv.Turns()[2]
	require.Equal(t, "hello world", ai.Content)
	require.True(t, ai.Truncated)
}

func TestEndToEnd_ScenarioC_MealLookupFails(t *testing.T) {
	st := newStack(t, []string{"Still ", "happy to help."}, http.StatusInternalServerError, 0)
	_, conv := st.conversation(t, "cook-1")

	id, err := conv.Submit(context.Background(), "What is in it?")
	require.NoError(t, err)
	require.NoError(t, conv.Wait(context.Background()))

	state, _ := conv.State(id)
	require.Equal(t, consumer.Complete, state)
	require.NotEmpty(t, conv.Turns()[2].Content)

	prompt := <-st.prompts
	require.True(t, strings.HasSuffix(prompt[0].Content, "Here are the details of the meal: null"))
}

func TestEndToEnd_MissingIdentity(t *testing.T) {
	st := newStack(t, []string{"x"}, http.StatusOK, 0)
	_, conv := st.conversation(t, "")

	id, err := conv.Submit(context.Background(), "hi")
	var statusErr *consumer.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	state, _ := conv.State(id)
	require.Equal(t, consumer.Errored, state)
	require.Empty(t, st.prompts)
}

func TestEndToEnd_EmptyUpstreamBodyFailsBeforeAnyFrame(t *testing.T) {
	st := newStack(t, nil, http.StatusOK, 0)
	_, conv := st.conversation(t, "cook-1")

	id, err := conv.Submit(context.Background(), "hi")
	var statusErr *consumer.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	require.Equal(t, "UPSTREAM_ERROR", statusErr.Code)
	require.Equal(t, "workersai_error", statusErr.Reason)

	state, _ := conv.State(id)
	require.Equal(t, consumer.Errored, state)
	require.Empty(t, conv.Turns()[2].Content)
}
