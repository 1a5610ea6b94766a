package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🌐 上游 HTTP 客户端
// =============================================================================

// 火山方舟的域名在国内直连更稳，默认绕过系统代理。
// 设置 GATEWAY_ALLOW_PROXY_FOR_VOLCES=1 可恢复走代理。
func proxyFunc(req *http.Request) (*url.URL, error) {
	host := req.URL.Hostname()
	if strings.HasSuffix(host, ".volces.com") || host == "ark.cn-beijing.volces.com" {
		if os.Getenv("GATEWAY_ALLOW_PROXY_FOR_VOLCES") == "" {
			return nil, nil
		}
	}
	return http.ProxyFromEnvironment(req)
}

// NewHTTPClient 创建上游请求客户端。建连上限 10 秒；
// 流式请求不能设置整体超时，由 ctx 控制生命周期。
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// MapHTTPError 把上游非 2xx 响应映射为统一错误。
// 网络错误、5xx 与 429 可重试（换下一个密钥），其余 4xx 不可重试。
// Message 保留上游响应体原文，便于 4xx 时逐字透传。
func MapHTTPError(status int, body, provider string) *types.Error {
	retryable := status >= 500 || status == http.StatusTooManyRequests
	kind := types.ErrUpstream
	return types.NewError(kind, body).
		WithHTTPStatus(status).
		WithRetryable(retryable).
		WithProvider(provider)
}

// NetworkError 包装拨号/传输层失败
func NetworkError(err error, provider string) *types.Error {
	return types.NewError(types.ErrNetwork, "upstream request failed").
		WithCause(err).
		WithRetryable(true).
		WithProvider(provider)
}

// ReadErrorBody 读取错误响应体（限长，避免把超大响应拼进日志）
func ReadErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	return string(data)
}

// sseIdleTimeout 两次读到数据的最大间隔，超过按上游错误处理
var sseIdleTimeout = 120 * time.Second

// ConsumeSSE 逐行消费 OpenAI 风格的 SSE 流并投递到通道。
// data 负载逐字转发；同时尝试从每个 chunk 里解出 usage。
// 通道在 [DONE]、EOF、错误或 ctx 取消后关闭；
// ctx 取消时立即退出，不会因为无人收而卡在投递上。
func ConsumeSSE(ctx context.Context, body io.ReadCloser, providerName string, ch chan<- StreamEvent) {
	defer body.Close()
	defer close(ch)

	// 空闲超时到点直接关 body，把阻塞中的读打断成错误
	idle := time.AfterFunc(sseIdleTimeout, func() { body.Close() })
	defer idle.Stop()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReaderSize(body, 64<<10)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				send(StreamEvent{Err: NetworkError(err, providerName)})
			}
			return
		}
		idle.Reset(sseIdleTimeout)
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(StreamEvent{Done: true})
			return
		}
		if !send(StreamEvent{Data: data, Usage: ExtractUsage(data)}) {
			return
		}
	}
}

// ExtractUsage 宽松地从 chunk JSON 中解出 usage；解析失败返回 nil
func ExtractUsage(data string) *types.Usage {
	var probe struct {
		Usage *types.Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return nil
	}
	return probe.Usage
}
