// Package anthropic 实现 Anthropic Messages API 的适配器。
// 与 OpenAI 形状的主要差异：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. system 消息单独传递，max_tokens 必填
// 3. content 是块数组，工具调用与工具结果都是内容块
// 4. stop_reason 词表不同，需要映射回 finish_reason
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/providers"
	"github.com/BaSui01/gateflow/types"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

func init() {
	providers.RegisterFactory("anthropic", func(cfg providers.Config, logger *zap.Logger) providers.ChatProvider {
		return NewProvider(cfg, logger)
	})
}

// Provider Anthropic 适配器
type Provider struct {
	cfg    providers.Config
	client *http.Client
	logger *zap.Logger
}

// NewProvider 创建适配器
func NewProvider(cfg providers.Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{cfg: cfg, client: providers.NewHTTPClient(timeout), logger: logger}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) endpoint(path string) string {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// Anthropic 的消息与内容块结构
type anthropicMessage struct {
	Role    string             `json:"role"` // user 或 assistant
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"` // text, thinking, image, tool_use, tool_result
	Text      string           `json:"text,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"` // tool_result 的文本
}

type anthropicSource struct {
	Type      string `json:"type"` // base64 或 url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

type anthropicRequest struct {
	Model         string               `json:"model"`
	Messages      []anthropicMessage   `json:"messages"`
	System        string               `json:"system,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
}

// convertMessages 把 OpenAI 消息转为 system 字符串 + Anthropic 消息序列。
// system/developer 消息拼进 system 字段；tool 结果包装为 user 的 tool_result 块。
func convertMessages(msgs []types.ChatMessage) (string, []anthropicMessage, error) {
	var systemParts []string
	var out []anthropicMessage

	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case types.RoleSystem, types.RoleDeveloper:
			systemParts = append(systemParts, m.TextContent())
			continue
		case types.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.TextContent(),
				}},
			})
			continue
		}

		am := anthropicMessage{Role: m.Role}
		parts, err := m.ContentParts()
		if err != nil {
			return "", nil, types.NewError(types.ErrBadRequest, "invalid message content").WithCause(err)
		}
		for _, part := range parts {
			switch part.Type {
			case "text":
				if part.Text != "" {
					am.Content = append(am.Content, anthropicContent{Type: "text", Text: part.Text})
				}
			case "image_url":
				if part.ImageURL == nil {
					continue
				}
				am.Content = append(am.Content, convertImage(part.ImageURL.URL))
			}
		}
		for _, tc := range m.ToolCalls {
			// 参数不是合法 JSON 时退化为空对象，避免拼出无法编码的请求
			input := json.RawMessage(tc.Function.Arguments)
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage("{}")
			}
			am.Content = append(am.Content, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		if len(am.Content) > 0 {
			out = append(out, am)
		}
	}
	return strings.Join(systemParts, "\n"), out, nil
}

// convertImage data URL 拆成 base64 source，普通 URL 用 url source
func convertImage(u string) anthropicContent {
	if strings.HasPrefix(u, "data:") {
		mediaType := "image/png"
		data := u
		if semi := strings.Index(u, ";base64,"); semi > 5 {
			mediaType = u[5:semi]
			data = u[semi+len(";base64,"):]
		}
		return anthropicContent{Type: "image", Source: &anthropicSource{
			Type: "base64", MediaType: mediaType, Data: data,
		}}
	}
	return anthropicContent{Type: "image", Source: &anthropicSource{Type: "url", URL: u}}
}

// convertToolChoice OpenAI tool_choice → Anthropic tool_choice。
// auto→auto，required→any，none→none，指名函数→tool{name}；无法识别时不传。
func convertToolChoice(raw json.RawMessage) *anthropicToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &anthropicToolChoice{Type: "auto"}
		case "required":
			return &anthropicToolChoice{Type: "any"}
		case "none":
			return &anthropicToolChoice{Type: "none"}
		}
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &anthropicToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

func convertTools(tools []types.Tool) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out
}

func (p *Provider) buildRequest(req *types.ChatRequest) (*anthropicRequest, error) {
	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens // Anthropic 要求必填
	}
	return &anthropicRequest{
		Model:         req.Model,
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Tools:         convertTools(req.Tools),
		ToolChoice:    convertToolChoice(req.ToolChoice),
	}, nil
}

// mapStopReason Anthropic stop_reason → OpenAI finish_reason
func mapStopReason(s string) string {
	switch s {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		return "stop"
	}
}

// toOpenAIResponse 文本块按换行拼接，thinking 块并入 reasoning_content，
// tool_use 块累积到 tool_calls。
func toOpenAIResponse(ar *anthropicResponse) *types.ChatResponse {
	msg := types.ChatMessage{Role: types.RoleAssistant}
	var textParts, thinkingParts []string
	for _, c := range ar.Content {
		switch c.Type {
		case "text":
			textParts = append(textParts, c.Text)
		case "thinking":
			thinkingParts = append(thinkingParts, c.Thinking)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   c.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      c.Name,
					Arguments: string(c.Input),
				},
			})
		}
	}
	msg.Content = types.Text(strings.Join(textParts, "\n"))
	msg.ReasoningContent = strings.Join(thinkingParts, "\n")

	resp := &types.ChatResponse{
		ID:      ar.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   ar.Model,
		Choices: []types.Choice{{
			Message:      msg,
			FinishReason: types.FinishReason(mapStopReason(ar.StopReason)),
		}},
	}
	if ar.Usage != nil {
		resp.Usage = &types.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}
		if ar.Usage.CacheReadInputTokens > 0 {
			resp.Usage.PromptTokensDetails = &types.PromptTokensDetails{
				CachedTokens: ar.Usage.CacheReadInputTokens,
			}
		}
	}
	return resp
}

func (p *Provider) Chat(ctx context.Context, apiKey string, req *types.ChatRequest) (*types.ChatResponse, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, "failed to encode request").WithCause(err)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/messages"), bytes.NewReader(payload))
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorBody(resp.Body), p.Name())
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, types.NewError(types.ErrUpstream, "failed to decode upstream response").
			WithCause(err).WithRetryable(true).WithProvider(p.Name())
	}
	return toOpenAIResponse(&ar), nil
}

// ChatStream 合成流式：先做非流式调用，再拆成两个 OpenAI chunk 发出。
// Anthropic 的原生 SSE 事件模型与 OpenAI 差异太大，逐事件翻译
// 无法保证逐字透传语义，这里选择语义等价的合成流。
func (p *Provider) ChatStream(ctx context.Context, apiKey string, req *types.ChatRequest) (<-chan providers.StreamEvent, error) {
	resp, err := p.Chat(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := resp.Created

	var content, reasoning string
	var toolCalls []types.ToolCall
	finish := types.FinishReason("stop")
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.TextContent()
		reasoning = resp.Choices[0].Message.ReasoningContent
		toolCalls = resp.Choices[0].Message.ToolCalls
		if resp.Choices[0].FinishReason != nil {
			finish = resp.Choices[0].FinishReason
		}
	}

	first := types.ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: resp.Model,
		Choices: []types.ChunkChoice{{
			Delta: types.ChunkDelta{Role: types.RoleAssistant, Content: content, ReasoningContent: reasoning, ToolCalls: toolCalls},
		}},
	}
	last := types.ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: resp.Model,
		Choices: []types.ChunkChoice{{FinishReason: finish}},
		Usage:   resp.Usage,
	}

	ch := make(chan providers.StreamEvent, 3)
	go func() {
		defer close(ch)
		if b, err := json.Marshal(&first); err == nil {
			ch <- providers.StreamEvent{Data: string(b)}
		}
		if b, err := json.Marshal(&last); err == nil {
			ch <- providers.StreamEvent{Data: string(b), Usage: resp.Usage}
		}
		ch <- providers.StreamEvent{Done: true}
	}()
	return ch, nil
}

// ListModels Anthropic 的 /v1/models 也是 data 数组形状
func (p *Provider) ListModels(ctx context.Context, apiKey string) ([]types.Model, error) {
	endpoint := p.endpoint("/models")
	if p.cfg.ModelsEndpoint != "" {
		endpoint = strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.ModelsEndpoint
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorBody(resp.Body), p.Name())
	}

	var list struct {
		Data []struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewError(types.ErrUpstream, fmt.Sprintf("failed to decode model list: %v", err)).
			WithRetryable(true).WithProvider(p.Name())
	}
	out := make([]types.Model, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, types.Model{
			ID:      m.ID,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "anthropic",
		})
	}
	return out, nil
}
