// Package zhipu 实现智谱 GLM（bigmodel.cn v4）的适配器。
// v4 接口基本兼容 OpenAI 形状，差异集中在参数取值范围与图片编码：
// 1. temperature / top_p 的取值是开区间 (0, 1)，越界请求直接被拒
// 2. 图片内容要求裸 base64，不接受 data URL 前缀
package zhipu

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

const defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"

func init() {
	providers.RegisterFactory("zhipu", func(cfg providers.Config, logger *zap.Logger) providers.ChatProvider {
		return NewProvider(cfg, logger)
	})
}

// Provider 智谱 GLM 适配器
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
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{
		cfg:          cfg,
		client:       providers.NewHTTPClient(timeout),
		streamClient: providers.NewHTTPClient(0),
		logger:       logger,
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// clampOpen 把取值压进开区间 (0, 1)
func clampOpen(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	if out >= 1.0 {
		out = 0.99
	}
	if out <= 0.0 {
		out = 0.01
	}
	return &out
}

// stripDataURL 去掉 data URL 前缀，返回裸 base64
func stripDataURL(u string) string {
	if !strings.HasPrefix(u, "data:") {
		return u
	}
	if idx := strings.Index(u, ";base64,"); idx > 0 {
		return u[idx+len(";base64,"):]
	}
	return u
}

// prepare 复制请求并按智谱的约束调整参数与图片编码
func (p *Provider) prepare(req *types.ChatRequest) (*types.ChatRequest, error) {
	body := *req
	body.Temperature = clampOpen(req.Temperature)
	body.TopP = clampOpen(req.TopP)

	if len(req.Messages) > 0 {
		msgs := make([]types.ChatMessage, len(req.Messages))
		copy(msgs, req.Messages)
		for i := range msgs {
			parts, err := msgs[i].ContentParts()
			if err != nil {
				return nil, types.NewError(types.ErrBadRequest, "invalid message content").WithCause(err)
			}
			changed := false
			for j := range parts {
				if parts[j].Type == "image_url" && parts[j].ImageURL != nil &&
					strings.HasPrefix(parts[j].ImageURL.URL, "data:") {
					stripped := *parts[j].ImageURL
					stripped.URL = stripDataURL(stripped.URL)
					parts[j].ImageURL = &stripped
					changed = true
				}
			}
			if changed {
				encoded, err := json.Marshal(parts)
				if err != nil {
					return nil, types.NewError(types.ErrInternal, "failed to re-encode content").WithCause(err)
				}
				msgs[i].Content = encoded
			}
		}
		body.Messages = msgs
	}
	return &body, nil
}

func (p *Provider) Chat(ctx context.Context, apiKey string, req *types.ChatRequest) (*types.ChatResponse, error) {
	body, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	body.Stream = false
	body.StreamOptions = nil

	payload, err := json.Marshal(body)
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

	raw, err := readAll(resp)
	if err != nil {
		return nil, providers.NetworkError(err, p.Name())
	}
	var out types.ChatResponse
	if err := json.Unmarshal(raw, &out); err == nil && len(out.Choices) > 0 {
		return &out, nil
	}
	// 个别模型返回的字段类型不规范（数字字符串等），宽松兜底再试一次
	return p.decodeLoose(raw)
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

// decodeLoose 从弱类型 JSON 中尽力提取文本、finish_reason 与用量
func (p *Provider) decodeLoose(raw []byte) (*types.ChatResponse, error) {
	var loose struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role             string          `json:"role"`
				Content          json.RawMessage `json:"content"`
				ReasoningContent string          `json:"reasoning_content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *types.Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil || len(loose.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstream, "failed to decode upstream response").
			WithRetryable(true).WithProvider(p.Name())
	}
	c := loose.Choices[0]
	msg := types.ChatMessage{
		Role:             types.RoleAssistant,
		Content:          c.Message.Content,
		ReasoningContent: c.Message.ReasoningContent,
	}
	finish := c.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &types.ChatResponse{
		ID:      loose.ID,
		Object:  "chat.completion",
		Created: loose.Created,
		Model:   loose.Model,
		Choices: []types.Choice{{Message: msg, FinishReason: types.FinishReason(finish)}},
		Usage:   loose.Usage,
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, apiKey string, req *types.ChatRequest) (<-chan providers.StreamEvent, error) {
	body, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	body.Stream = true

	payload, err := json.Marshal(body)
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
