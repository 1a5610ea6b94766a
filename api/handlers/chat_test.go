package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/gateway"
	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/providers"
	_ "github.com/BaSui01/gateflow/providers/openai"
	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// 指标收集器注册到全局 registry，整个测试二进制共享一个
var testMetrics = metrics.NewCollector("gateflow_handlers_test", zap.NewNop())

func newTestHandler(t *testing.T, upstreamURL string, keys ...string) (*Handler, *store.GormStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.InitDatabase(db))
	st := store.NewGormStore(db, zap.NewNop())

	ctx := context.Background()
	if upstreamURL != "" {
		require.NoError(t, st.CreateProvider(ctx, &store.Provider{
			Name: "openai", APIType: store.APITypeOpenAI, BaseURL: upstreamURL,
		}))
		for _, k := range keys {
			require.NoError(t, st.AddKey(ctx, "openai", k))
		}
	}

	h := &Handler{
		Store:           st,
		Dispatcher:      gateway.NewDispatcher(st, gateway.NewRedirector(), gateway.StrategyFirstAvailable),
		Registry:        providers.NewRegistry(zap.NewNop()),
		Accountant:      gateway.NewAccountant(st, zap.NewNop()),
		Metrics:         testMetrics,
		Auth:            auth.NewService(st, zap.NewNop()),
		Logger:          zap.NewNop(),
		KeyDisplay:      gateway.KeyDisplayMasked,
		UpstreamTimeout: 10 * time.Second,
		ModelCacheTTL:   time.Minute,
	}
	return h, st
}

func seedToken(t *testing.T, st *store.GormStore, tok *store.ClientToken) *store.ClientToken {
	t.Helper()
	require.NoError(t, st.CreateToken(context.Background(), tok))
	return tok
}

func clientRequest(method, path, body string, tok *store.ClientToken) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if tok != nil {
		r = r.WithContext(ctxkeys.WithClientToken(r.Context(), tok))
	}
	return r
}

func chatBody(model string) string {
	return fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}]}`, model)
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) *types.Error {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

func TestChatCompletionsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-upstream-key-one", r.Header.Get("Authorization"))
		var req types.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// 上游收到去掉提供商前缀的裸模型名
		assert.Equal(t, "gpt-4o", req.Model)

		json.NewEncoder(w).Encode(types.ChatResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []types.Choice{{
				Message:      types.ChatMessage{Role: types.RoleAssistant, Content: types.Text("hi")},
				FinishReason: types.FinishReason("stop"),
			}},
			Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer srv.Close()

	h, st := newTestHandler(t, srv.URL, "sk-upstream-key-one")
	tok := seedToken(t, st, &store.ClientToken{Token: "sk-client", Enabled: true})

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), tok))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hi", resp.Choices[0].Message.TextContent())

	// 用量落到令牌计数器
	got, err := st.GetToken(context.Background(), "sk-client")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.PromptTokensSpent)
	assert.Equal(t, int64(5), got.CompletionTokensSpent)
	assert.Equal(t, int64(15), got.TotalTokensSpent)

	// 恰好一条日志，密钥脱敏
	logs, err := st.RecentByToken(context.Background(), "sk-client", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.RequestTypeChat, logs[0].RequestType)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode)
	assert.Equal(t, "sk-u****-one", logs[0].APIKeyDisplay)
	require.NotNil(t, logs[0].TotalTokens)
	assert.Equal(t, 15, *logs[0].TotalTokens)
}

func TestChatCompletionsAdminIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ChatResponse{
			ID: "chatcmpl-adm",
			Choices: []types.Choice{{
				Message:      types.ChatMessage{Role: types.RoleAssistant, Content: types.Text("ok")},
				FinishReason: types.FinishReason("stop"),
			}},
			Usage: &types.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		})
	}))
	defer srv.Close()

	h, st := newTestHandler(t, srv.URL, "sk-upstream-key-one")
	adminTok := &store.ClientToken{Token: store.AdminIdentityToken, Enabled: true}

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), adminTok))
	require.Equal(t, http.StatusOK, rec.Code)

	// 管理身份不落计数器，但日志照写且 client_token 记 admin_token
	logs, err := st.RecentByToken(context.Background(), store.AdminIdentityToken, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.AdminIdentityToken, logs[0].ClientToken)
	require.NotNil(t, logs[0].TotalTokens)
	assert.Equal(t, 6, *logs[0].TotalTokens)
}

func TestChatCompletionsFailover(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer sk-upstream-key-one" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		json.NewEncoder(w).Encode(types.ChatResponse{
			ID: "chatcmpl-2",
			Choices: []types.Choice{{
				Message:      types.ChatMessage{Role: types.RoleAssistant, Content: types.Text("ok")},
				FinishReason: types.FinishReason("stop"),
			}},
		})
	}))
	defer srv.Close()

	h, st := newTestHandler(t, srv.URL, "sk-upstream-key-one", "sk-upstream-key-two")
	tok := seedToken(t, st, &store.ClientToken{Token: "sk-client", Enabled: true})

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), tok))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)

	// 成功请求记第二把密钥
	logs, err := st.RecentByToken(context.Background(), "sk-client", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sk-u****-two", logs[0].APIKeyDisplay)
}

func TestChatCompletions4xxNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model does not exist"}}`)
	}))
	defer srv.Close()

	h, st := newTestHandler(t, srv.URL, "sk-upstream-key-one", "sk-upstream-key-two")
	tok := seedToken(t, st, &store.ClientToken{Token: "sk-client", Enabled: true})

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), tok))

	// 4xx 不换密钥重试，状态码与原始错误体透传
	assert.Equal(t, 1, calls)
	require.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeErrorBody(t, rec)
	assert.Equal(t, types.ErrUpstream, e.Kind)
	assert.Contains(t, e.Message, "model does not exist")

	// 失败请求同样落一条日志，不计用量
	logs, err := st.RecentByToken(context.Background(), "sk-client", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, http.StatusNotFound, logs[0].StatusCode)
	assert.Nil(t, logs[0].TotalTokens)
}

func TestChatCompletionsQuotaExceeded(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	h, st := newTestHandler(t, srv.URL, "sk-upstream-key-one")
	tok := seedToken(t, st, &store.ClientToken{
		Token: "sk-client", Enabled: true,
		MaxTokens: int64p(100), TotalTokensSpent: 100,
	})

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), tok))

	// 配额拒绝发生在转发之前
	assert.Equal(t, 0, calls)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.ErrQuotaExceeded, decodeErrorBody(t, rec).Kind)
}

func TestChatCompletionsModelNotAllowed(t *testing.T) {
	h, st := newTestHandler(t, "http://unused", "k1")
	tok := seedToken(t, st, &store.ClientToken{
		Token: "sk-client", Enabled: true, AllowedModels: "glm-4",
	})

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), tok))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.ErrForbidden, decodeErrorBody(t, rec).Kind)
}

func TestChatCompletionsQuotaCheckedBeforeDispatch(t *testing.T) {
	h, st := newTestHandler(t, "")
	tok := seedToken(t, st, &store.ClientToken{Token: "sk-client", Enabled: false})

	// 提供商根本未配置：受限令牌仍然拿 403，而不是泄露配置的 404
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("ghost/gpt-4o"), tok))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.ErrForbidden, decodeErrorBody(t, rec).Kind)
}

func TestChatCompletionsUnknownProvider(t *testing.T) {
	h, st := newTestHandler(t, "")
	tok := seedToken(t, st, &store.ClientToken{Token: "sk-client", Enabled: true})

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("ghost/gpt-4o"), tok))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, types.ErrNoProvider, decodeErrorBody(t, rec).Kind)
}

func TestChatCompletionsValidation(t *testing.T) {
	h, st := newTestHandler(t, "")
	tok := seedToken(t, st, &store.ClientToken{Token: "sk-client", Enabled: true})

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"m","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", tt.body, tok))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatCompletionsWithoutToken(t *testing.T) {
	h, _ := newTestHandler(t, "")

	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, clientRequest(http.MethodPost, "/v1/chat/completions", chatBody("openai/gpt-4o"), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusOfMapping(t *testing.T) {
	tests := []struct {
		err    *types.Error
		status int
	}{
		{types.NewError(types.ErrBadRequest, ""), http.StatusBadRequest},
		{types.NewError(types.ErrUnauthorized, ""), http.StatusUnauthorized},
		{types.NewError(types.ErrForbidden, ""), http.StatusForbidden},
		{types.NewError(types.ErrQuotaExceeded, ""), http.StatusForbidden},
		{types.NewError(types.ErrNotFound, ""), http.StatusNotFound},
		{types.NewError(types.ErrModelNotSupported, ""), http.StatusNotFound},
		{types.NewError(types.ErrNoProvider, ""), http.StatusNotFound},
		{types.NewError(types.ErrConflict, ""), http.StatusConflict},
		{types.NewError(types.ErrNoKey, ""), http.StatusServiceUnavailable},
		{types.NewError(types.ErrNetwork, ""), http.StatusBadGateway},
		{types.NewError(types.ErrInternal, ""), http.StatusInternalServerError},
		{types.NewError(types.ErrUpstream, "").WithHTTPStatus(http.StatusTooManyRequests), http.StatusTooManyRequests},
		{types.NewError(types.ErrUpstream, "").WithHTTPStatus(http.StatusInternalServerError), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, StatusOf(tt.err), "kind %s http %d", tt.err.Kind, tt.err.HTTPStatus)
	}
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, types.NewError(types.ErrBadRequest, "model is required"), zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"type":"bad_request"`)))
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"message":"model is required"`)))
}

func int64p(v int64) *int64 { return &v }
