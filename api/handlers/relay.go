package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/gateway"
	"github.com/BaSui01/gateflow/providers"
	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📡 SSE 转发
// =============================================================================

// 客户端提前断开时记录的状态码（nginx 约定）
const statusClientClosed = 499

// relayStream 流式转发。上游 data 负载逐字透传；
// 结束方式与记录的状态码：
//
//	上游 [DONE]        → 转发 [DONE]，状态 200
//	上游 EOF（无 DONE） → 补发 [DONE]，状态 200
//	上游中途出错        → 发 "data: error: <msg>" 再补 [DONE]，状态 502
//	客户端断开          → 直接收尾，状态 499
//
// 日志与记账通过 CAS 保证恰好一次。
func (h *Handler) relayStream(w http.ResponseWriter, r *http.Request, token *store.ClientToken, sel *gateway.Selection, prov providers.ChatProvider, req *types.ChatRequest) {
	start := time.Now()

	// 建流前可以失败转移，流一旦打开就不能换密钥重来
	var (
		ch      <-chan providers.StreamEvent
		lastErr error
		usedKey string
	)
	attempts := sel.MaxAttempts()
	for i := 0; i < attempts; i++ {
		usedKey = sel.Keys[i]
		ch, lastErr = prov.ChatStream(r.Context(), usedKey, req)
		if lastErr == nil {
			break
		}
		if !types.IsRetryable(lastErr) || i == attempts-1 {
			break
		}
		h.Metrics.RecordFailover(sel.Provider.Name)
		h.Logger.Warn("retrying stream with next key",
			zap.String("provider", sel.Provider.Name),
			zap.Int("attempt", i+1),
			zap.Error(lastErr))
	}
	if lastErr != nil {
		e := types.AsError(lastErr)
		status := StatusOf(e)
		h.Metrics.RecordUpstreamRequest(sel.Provider.Name, req.Model, fmt.Sprint(status), time.Since(start))
		h.logRequest(r, token, sel, usedKey, req.Model, store.RequestTypeChatStream, status, time.Since(start), nil)
		WriteError(w, e, h.Logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	h.Metrics.StreamOpened()

	var (
		finalized atomic.Bool
		lastUsage *types.Usage
	)
	// finalize 恰好执行一次：打点、记账、落一条请求日志。
	// 上游中途出错时不采信任何已收到的 usage，不记账。
	finalize := func(status int, cause string) {
		if !finalized.CompareAndSwap(false, true) {
			return
		}
		usage := lastUsage
		if cause == "upstream_error" {
			usage = nil
		}
		elapsed := time.Since(start)
		h.Metrics.StreamClosed(cause)
		h.Metrics.RecordUpstreamRequest(sel.Provider.Name, req.Model, fmt.Sprint(status), elapsed)
		ctx := context.WithoutCancel(r.Context())
		h.settle(ctx, token, sel, req.Model, usage)
		h.logRequest(r, token, sel, usedKey, req.Model, store.RequestTypeChatStream, status, elapsed, usage)
	}

	clientGone := r.Context().Done()
	for {
		select {
		case <-clientGone:
			finalize(statusClientClosed, "client_gone")
			return
		case ev, open := <-ch:
			if !open {
				// 上游 EOF 而没有 [DONE]，替它补上
				fmt.Fprint(w, "data: [DONE]\n\n")
				flush()
				finalize(http.StatusOK, "eof")
				return
			}
			if ev.Err != nil {
				e := types.AsError(ev.Err)
				fmt.Fprintf(w, "data: error: %s\n\n", e.Message)
				fmt.Fprint(w, "data: [DONE]\n\n")
				flush()
				finalize(http.StatusBadGateway, "upstream_error")
				return
			}
			if ev.Done {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flush()
				finalize(http.StatusOK, "done")
				return
			}
			if ev.Usage != nil {
				lastUsage = ev.Usage
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			flush()
		}
	}
}
