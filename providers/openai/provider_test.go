package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/providers"
	"github.com/BaSui01/gateflow/types"
)

func newTestProvider(baseURL string) *Provider {
	return NewProvider(providers.Config{Name: "openai", APIType: "openai", BaseURL: baseURL}, zap.NewNop())
}

func TestEndpointJoining(t *testing.T) {
	p := newTestProvider("https://api.openai.com/v1")
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.endpoint("/chat/completions"))

	p = newTestProvider("https://api.openai.com")
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.endpoint("/chat/completions"))

	p = newTestProvider("https://proxy.example/v1/")
	assert.Equal(t, "https://proxy.example/v1/chat/completions", p.endpoint("/chat/completions"))
}

func TestChatSendsBearerAndPath(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var req types.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		resp := types.ChatResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []types.Choice{{
				Message:      types.ChatMessage{Role: types.RoleAssistant, Content: types.Text("hi")},
				FinishReason: types.FinishReason("stop"),
			}},
			Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	resp, err := p.Chat(context.Background(), "sk-test", &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: types.Text("hello")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestChatUpstreamErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Chat(context.Background(), "sk", &types.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, http.StatusTooManyRequests, types.AsError(err).HTTPStatus)
}

func TestChatAggregatesUnexpectedSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	resp, err := p.Chat(context.Background(), "sk", &types.ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.TextContent())
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestChatStreamForwardsVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.ChatStream(context.Background(), "sk", &types.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var events []providers.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, `{"id":"c1"}`, events[0].Data)
	assert.True(t, events[1].Done)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		json.NewEncoder(w).Encode(types.ModelList{Object: "list", Data: []types.Model{
			{ID: "gpt-4o", Object: "model", OwnedBy: "openai"},
		}})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	models, err := p.ListModels(context.Background(), "sk")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o", models[0].ID)
}
