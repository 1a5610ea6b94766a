package anthropic

import (
	"context"
	"encoding/json"
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
	return NewProvider(providers.Config{Name: "anthropic", APIType: "anthropic", BaseURL: baseURL}, zap.NewNop())
}

func TestConvertMessagesSystemExtraction(t *testing.T) {
	system, msgs, err := convertMessages([]types.ChatMessage{
		{Role: types.RoleSystem, Content: types.Text("be terse")},
		{Role: types.RoleDeveloper, Content: types.Text("use Go")},
		{Role: types.RoleUser, Content: types.Text("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "be terse\nuse Go", system)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	require.Len(t, msgs[0].Content, 1)
	assert.Equal(t, "hello", msgs[0].Content[0].Text)
}

func TestConvertMessagesToolResult(t *testing.T) {
	_, msgs, err := convertMessages([]types.ChatMessage{
		{Role: types.RoleTool, ToolCallID: "call_1", Content: types.Text("42")},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "tool_result", msgs[0].Content[0].Type)
	assert.Equal(t, "call_1", msgs[0].Content[0].ToolUseID)
	assert.Equal(t, "42", msgs[0].Content[0].Content)
}

func TestConvertMessagesToolCalls(t *testing.T) {
	_, msgs, err := convertMessages([]types.ChatMessage{
		{
			Role: types.RoleAssistant,
			ToolCalls: []types.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: types.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"sf"}`},
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 1)
	assert.Equal(t, "tool_use", msgs[0].Content[0].Type)
	assert.Equal(t, "get_weather", msgs[0].Content[0].Name)
	assert.JSONEq(t, `{"city":"sf"}`, string(msgs[0].Content[0].Input))
}

func TestConvertMessagesInvalidToolArguments(t *testing.T) {
	_, msgs, err := convertMessages([]types.ChatMessage{
		{
			Role: types.RoleAssistant,
			ToolCalls: []types.ToolCall{
				{ID: "call_1", Type: "function", Function: types.ToolCallFunction{Name: "f", Arguments: `{"broken`}},
				{ID: "call_2", Type: "function", Function: types.ToolCallFunction{Name: "g", Arguments: ""}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Content, 2)
	// 非法参数退化为空对象，整个请求仍可编码
	assert.JSONEq(t, `{}`, string(msgs[0].Content[0].Input))
	assert.JSONEq(t, `{}`, string(msgs[0].Content[1].Input))
}

func TestConvertToolChoice(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *anthropicToolChoice
	}{
		{"unset", ``, nil},
		{"auto", `"auto"`, &anthropicToolChoice{Type: "auto"}},
		{"required", `"required"`, &anthropicToolChoice{Type: "any"}},
		{"none", `"none"`, &anthropicToolChoice{Type: "none"}},
		{"named function", `{"type":"function","function":{"name":"get_weather"}}`, &anthropicToolChoice{Type: "tool", Name: "get_weather"}},
		{"unknown string", `"whatever"`, nil},
		{"garbage object", `{"foo":1}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertToolChoice(json.RawMessage(tt.raw)))
		})
	}
}

func TestBuildRequestCarriesToolChoice(t *testing.T) {
	p := newTestProvider("")
	req, err := p.buildRequest(&types.ChatRequest{
		Model:      "claude-sonnet",
		Messages:   []types.ChatMessage{{Role: types.RoleUser, Content: types.Text("hi")}},
		Tools:      []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "f", Parameters: json.RawMessage(`{}`)}}},
		ToolChoice: json.RawMessage(`"none"`),
	})
	require.NoError(t, err)

	payload, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"tool_choice":{"type":"none"}`)
}

func TestConvertImageDataURL(t *testing.T) {
	c := convertImage("data:image/jpeg;base64,AAAA")
	require.NotNil(t, c.Source)
	assert.Equal(t, "base64", c.Source.Type)
	assert.Equal(t, "image/jpeg", c.Source.MediaType)
	assert.Equal(t, "AAAA", c.Source.Data)

	c = convertImage("https://example.com/cat.png")
	assert.Equal(t, "url", c.Source.Type)
	assert.Equal(t, "https://example.com/cat.png", c.Source.URL)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_calls", mapStopReason("tool_use"))
	assert.Equal(t, "content_filter", mapStopReason("refusal"))
	assert.Equal(t, "stop", mapStopReason("anything-else"))
}

func TestToOpenAIResponseMergesThinking(t *testing.T) {
	resp := toOpenAIResponse(&anthropicResponse{
		ID:    "msg_t",
		Model: "claude-sonnet",
		Content: []anthropicContent{
			{Type: "thinking", Thinking: "step one"},
			{Type: "text", Text: "part a"},
			{Type: "thinking", Thinking: "step two"},
			{Type: "text", Text: "part b"},
		},
		StopReason: "end_turn",
	})
	require.Len(t, resp.Choices, 1)
	msg := resp.Choices[0].Message
	// 文本块换行拼接，thinking 块并入 reasoning_content
	assert.Equal(t, "part a\npart b", msg.TextContent())
	assert.Equal(t, "step one\nstep two", msg.ReasoningContent)
}

func TestChatRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet", req.Model)
		// 未指定时使用默认 max_tokens
		assert.Equal(t, 1024, req.MaxTokens)

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:         "msg_1",
			Type:       "message",
			Role:       "assistant",
			Model:      req.Model,
			Content:    []anthropicContent{{Type: "text", Text: "hello"}},
			StopReason: "end_turn",
			Usage:      &anthropicUsage{InputTokens: 7, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	resp, err := p.Chat(context.Background(), "sk-ant", &types.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: types.Text("hi")}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.TextContent())
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestChatToolUseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(anthropicResponse{
			ID:    "msg_2",
			Model: "claude-sonnet",
			Content: []anthropicContent{
				{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"sf"}`)},
			},
			StopReason: "tool_use",
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	resp, err := p.Chat(context.Background(), "sk", &types.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: types.Text("weather?")}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	tc := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "toolu_1", tc.ID)
	assert.Equal(t, "get_weather", tc.Function.Name)
	assert.JSONEq(t, `{"city":"sf"}`, tc.Function.Arguments)
	assert.Equal(t, "tool_calls", *resp.Choices[0].FinishReason)
}

func TestChatStreamSynthesizesTwoChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// 合成流走非流式调用
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:         "msg_3",
			Model:      req.Model,
			Content: []anthropicContent{
				{Type: "thinking", Thinking: "pondering"},
				{Type: "text", Text: "streamed"},
			},
			StopReason: "end_turn",
			Usage:      &anthropicUsage{InputTokens: 2, OutputTokens: 1},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.ChatStream(context.Background(), "sk", &types.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: types.Text("hi")}},
	})
	require.NoError(t, err)

	var events []providers.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 3)

	var first types.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &first))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "streamed", first.Choices[0].Delta.Content)
	assert.Equal(t, "pondering", first.Choices[0].Delta.ReasoningContent)

	var last types.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &last))
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	require.NotNil(t, events[1].Usage)
	assert.Equal(t, 3, events[1].Usage.TotalTokens)

	assert.True(t, events[2].Done)
}

func TestChatErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Chat(context.Background(), "sk", &types.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: types.Text("hi")}},
	})
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, http.StatusBadRequest, types.AsError(err).HTTPStatus)
}
