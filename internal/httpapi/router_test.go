package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/db"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/models"
	"github.com/suPer8Hu/ragchat/internal/rag"
	"github.com/suPer8Hu/ragchat/internal/ratelimit"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
	"gorm.io/gorm"
)

// groundedProvider answers with the text of the first context chunk found in
// the system message, or "I don't know" when there is none.
type groundedProvider struct {
	calls atomic.Int32
}

func (p *groundedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.calls.Add(1)
	system := messages[0].Content
	i := strings.Index(system, "\n[1] ")
	if i < 0 {
		return "I don't know.", nil
	}
	lines := strings.SplitN(system[i+1:], "\n", 3)
	if len(lines) < 2 {
		return "I don't know.", nil
	}
	return lines[1], nil
}

type env struct {
	router   *gin.Engine
	db       *gorm.DB
	provider *groundedProvider
	cfg      config.Config
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newEnv(t *testing.T, limit int) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open("sqlite:" + filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	// knowledge base
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "returns.txt"),
		[]byte("Return policy: items can be returned within 30 days for a full refund."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "shipping.md"),
		[]byte("Shipping: orders ship within two business days."), 0o644))
	embedder := ai.NewHashEmbedder(128)
	splitter, err := rag.NewSplitter(1000, 200)
	require.NoError(t, err)
	indexDir := filepath.Join(t.TempDir(), "index")
	_, err = rag.NewIngestor(rag.NewLoader(nil), splitter, embedder, rag.IngestOptions{}, nil).
		Ingest(context.Background(), src, indexDir)
	require.NoError(t, err)
	idx, err := vectorindex.Load(context.Background(), indexDir, vectorindex.Options{})
	require.NoError(t, err)
	retriever, err := rag.NewRetriever(context.Background(), idx, embedder, rag.RetrieverOptions{})
	require.NoError(t, err)

	prov := &groundedProvider{}
	reg := ai.NewRegistry()
	reg.Register("grounded", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	m := metrics.New(prometheus.NewRegistry())
	svc := chat.NewService(chat.NewRepo(gdb), reg, chat.Options{
		Provider:     "grounded",
		Window:       chat.Window{MaxMessages: 20},
		Retriever:    retriever,
		RetrieveK:    1,
		RetrieveMode: rag.ModeTopK,
		Metrics:      m,
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{JWTSecret: "test-secret", JWTTTL: time.Hour, CORSOrigins: []string{"*"}}
	r := NewRouter(Deps{
		DB:      gdb,
		Cfg:     cfg,
		Chat:    svc,
		Limiter: ratelimit.NewSlidingWindow(rdb, limit, time.Minute),
		Metrics: m,
	})
	return &env{router: r, db: gdb, provider: prov, cfg: cfg}
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

// register creates a user and returns a bearer token for it.
func (e *env) register(t *testing.T, username string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/users", "", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/auth/token", "", gin.H{"username": username, "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tok := decode[struct {
		AccessToken string `json:"access_token"`
	}](t, w)
	require.NotEmpty(t, tok.AccessToken)
	return tok.AccessToken
}

type sessionResp struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Pending  bool   `json:"pending"`
	Messages []struct {
		ID      uint64 `json:"id"`
		Content string `json:"content"`
		Role    string `json:"role"`
	} `json:"messages"`
}

func TestReturnPolicyOverHTTP(t *testing.T) {
	e := newEnv(t, 30)
	tok := e.register(t, "alice")

	w := e.do(t, http.MethodPost, "/chats/", tok, gin.H{"prompt": "What is the return policy?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s := decode[sessionResp](t, w)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "What is the return policy?", s.Title)
	assert.False(t, s.Pending)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "user", s.Messages[0].Role)
	assert.Equal(t, "model", s.Messages[1].Role)
	assert.Contains(t, s.Messages[1].Content, "30 days")

	w = e.do(t, http.MethodGet, "/chats/", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
}

func TestStreamOverHTTP(t *testing.T) {
	e := newEnv(t, 30)
	tok := e.register(t, "bob")

	w := e.do(t, http.MethodPost, "/chats/stream", tok, gin.H{"prompt": "What is the return policy?"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	sid := w.Header().Get("X-Session-ID")
	require.NotEmpty(t, sid)
	assert.Contains(t, w.Body.String(), "30 days")

	w = e.do(t, http.MethodGet, "/chats/"+sid, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[sessionResp](t, w)
	require.Len(t, s.Messages, 2)
	assert.Contains(t, s.Messages[1].Content, "30 days")
}

func TestRateLimitedRequestChangesNothing(t *testing.T) {
	e := newEnv(t, 1)
	tok := e.register(t, "carol")

	w := e.do(t, http.MethodPost, "/chats/", tok, gin.H{"prompt": "first"})
	require.Equal(t, http.StatusOK, w.Code)
	sid := decode[sessionResp](t, w).ID
	calls := e.provider.calls.Load()

	w = e.do(t, http.MethodPost, "/chats/", tok, gin.H{"prompt": "second", "session_id": sid})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var count int64
	require.NoError(t, e.db.Model(&chat.Message{}).Where("session_id = ?", sid).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, calls, e.provider.calls.Load())

	// reads are not throttled
	w = e.do(t, http.MethodGet, "/chats/"+sid, tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOwnershipOverHTTP(t *testing.T) {
	e := newEnv(t, 30)
	alice := e.register(t, "alice")
	mallory := e.register(t, "mallory")

	w := e.do(t, http.MethodPost, "/chats/", alice, gin.H{"prompt": "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	sid := decode[sessionResp](t, w).ID

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/chats/"+sid, mallory, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPut, "/chats/"+sid, mallory, gin.H{"new_title": "x"}).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodDelete, "/chats/"+sid, mallory, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/chats/01NOSUCHSESSION00000000000", alice, nil).Code)

	w = e.do(t, http.MethodPut, "/chats/"+sid, alice, gin.H{"new_title": "Greetings"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Greetings", decode[sessionResp](t, w).Title)

	w = e.do(t, http.MethodDelete, "/chats/"+sid, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/chats/"+sid, alice, nil).Code)
}

func TestAuth(t *testing.T) {
	e := newEnv(t, 30)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/chats/", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/chats/", "garbage", nil).Code)

	tok := e.register(t, "dave")
	w := e.do(t, http.MethodGet, "/me", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[models.User](t, w)
	assert.Equal(t, "dave", me.Username)
	assert.NotContains(t, w.Body.String(), "password")

	// duplicate registration
	w = e.do(t, http.MethodPost, "/users", "", gin.H{"username": "dave", "email": "x@example.com", "password": "correct horse"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/auth/token", "", gin.H{"username": "dave", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.NoError(t, e.db.Model(&models.User{}).Where("username = ?", "dave").Update("disabled", true).Error)
	w = e.do(t, http.MethodPost, "/auth/token", "", gin.H{"email": "dave@example.com", "password": "correct horse"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIngestRoutesWithoutQueue(t *testing.T) {
	e := newEnv(t, 30)
	tok := e.register(t, "erin")

	w := e.do(t, http.MethodPost, "/ingest", tok, gin.H{"source_dir": "docs"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsAndPing(t *testing.T) {
	e := newEnv(t, 30)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/ping", "", nil).Code)
	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ragchat_http_requests_total")

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/nope", "", nil).Code)
}
