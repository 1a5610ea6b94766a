// Package openai 实现 OpenAI 兼容上游的适配器。
// 请求与响应本身就是网关的统一形状，翻译成本最低，
// 只需处理路径拼接、鉴权头与"非流式请求收到 SSE"的聚合兜底。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/providers"
	"github.com/BaSui01/gateflow/types"
)

func init() {
	providers.RegisterFactory("openai", func(cfg providers.Config, logger *zap.Logger) providers.ChatProvider {
		return NewProvider(cfg, logger)
	})
}

// Provider OpenAI 兼容适配器
type Provider struct {
	cfg          providers.Config
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewProvider 创建适配器
func NewProvider(cfg providers.Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &Provider{
		cfg:          cfg,
		client:       providers.NewHTTPClient(timeout),
		streamClient: providers.NewHTTPClient(0), // 流式由 ctx 控制
		logger:       logger,
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

// endpoint 拼接 API 路径：base 未带 /v1 时补上
func (p *Provider) endpoint(path string) string {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) Chat(ctx context.Context, apiKey string, req *types.ChatRequest) (*types.ChatResponse, error) {
	body := *req
	body.Stream = false
	body.StreamOptions = nil
	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, "failed to encode request").WithCause(err)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/chat/completions"), bytes.NewReader(payload))
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorBody(resp.Body), p.Name())
	}

	// 个别兼容上游无视 stream=false 仍返回 SSE，聚合成完整响应兜底
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return p.aggregateSSE(ctx, resp)
	}

	var out types.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrUpstream, "failed to decode upstream response").
			WithCause(err).WithRetryable(true).WithProvider(p.Name())
	}
	return &out, nil
}

// aggregateSSE 把意外的 SSE 响应聚合为一条非流式响应
func (p *Provider) aggregateSSE(ctx context.Context, resp *http.Response) (*types.ChatResponse, error) {
	ch := make(chan providers.StreamEvent, 16)
	go providers.ConsumeSSE(ctx, resp.Body, p.Name(), ch)

	var (
		out     types.ChatResponse
		content strings.Builder
		finish  *string
	)
	for ev := range ch {
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Done {
			break
		}
		if ev.Usage != nil {
			out.Usage = ev.Usage
		}
		var chunk types.ChatChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			continue
		}
		if out.ID == "" {
			out.ID = chunk.ID
			out.Created = chunk.Created
			out.Model = chunk.Model
		}
		for _, c := range chunk.Choices {
			if c.Index != 0 {
				continue
			}
			content.WriteString(c.Delta.Content)
			if c.FinishReason != nil {
				finish = c.FinishReason
			}
		}
	}
	if finish == nil {
		finish = types.FinishReason("stop")
	}
	out.Object = "chat.completion"
	out.Choices = []types.Choice{{
		Message: types.ChatMessage{
			Role:    types.RoleAssistant,
			Content: types.Text(content.String()),
		},
		FinishReason: finish,
	}}
	return &out, nil
}

func (p *Provider) ChatStream(ctx context.Context, apiKey string, req *types.ChatRequest) (<-chan providers.StreamEvent, error) {
	body := *req
	body.Stream = true
	if body.StreamOptions == nil {
		// 要求上游在末尾 chunk 携带用量，便于记账
		body.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}
	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, "failed to encode request").WithCause(err)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/chat/completions"), bytes.NewReader(payload))
	p.buildHeaders(httpReq, apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorBody(resp.Body), p.Name())
	}

	ch := make(chan providers.StreamEvent, 16)
	go providers.ConsumeSSE(ctx, resp.Body, p.Name(), ch)
	return ch, nil
}

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

	var list types.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewError(types.ErrUpstream, fmt.Sprintf("failed to decode model list: %v", err)).
			WithRetryable(true).WithProvider(p.Name())
	}
	return list.Data, nil
}
