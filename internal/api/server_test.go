package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/config"
	"github.com/WastematerialFeng/xianyu-tracker/internal/crawler"
	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/progress"
	"github.com/WastematerialFeng/xianyu-tracker/internal/qrlogin"
	"github.com/WastematerialFeng/xianyu-tracker/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeCrawler struct {
	mu       sync.Mutex
	running  bool
	stopped  bool
	loggedIn bool

	searchOutcome *crawler.Outcome
	searchErr     error
	myOutcome     *crawler.MyItemsOutcome
	detail        *model.ItemDetail
	detailErr     error
}

func (f *fakeCrawler) Search(context.Context, crawler.SearchRequest) (*crawler.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchOutcome, f.searchErr
}

func (f *fakeCrawler) CrawlMyItems(context.Context) (*crawler.MyItemsOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.myOutcome, nil
}

func (f *fakeCrawler) CrawlItemDetail(context.Context, string) (*model.ItemDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detail, f.detailErr
}

func (f *fakeCrawler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeCrawler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeCrawler) CheckLoginState() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn, nil
}

type fakeQR struct {
	session *qrlogin.Session
	status  qrlogin.Status
	cookies map[string]string
	err     error
}

func (f *fakeQR) GenerateCode(context.Context) (*qrlogin.Session, error) {
	return f.session, f.err
}

func (f *fakeQR) GetStatus(string) (qrlogin.Status, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.status, nil
}

func (f *fakeQR) GetCookies(string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cookies, nil
}

func (f *fakeQR) GetSession(string) (*qrlogin.Session, error) {
	return f.session, f.err
}

type testEnv struct {
	server  *Server
	crawler *fakeCrawler
	qr      *fakeQR
	store   *store.Store
	state   *crawler.StateFile
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)

	cfg := &config.Config{}
	fc := &fakeCrawler{}
	fq := &fakeQR{session: &qrlogin.Session{ID: "sess-1"}, status: qrlogin.StatusWaiting}
	state := crawler.NewStateFile(filepath.Join(t.TempDir(), "state.json"))

	srv := NewServer(cfg, logger, fc, fq, st, state, progress.NewBuffer(10))
	return &testEnv{server: srv, crawler: fc, qr: fq, store: st, state: state}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.crawler.searchOutcome = &crawler.Outcome{
		Items: []model.CrawledItem{{ItemID: "1001", Title: "测试商品"}},
		Pages: 1,
	}

	w := env.do(t, http.MethodPost, "/api/crawler/search", map[string]any{"keyword": "相机", "max_pages": 1})
	require.Equal(t, http.StatusAccepted, w.Code)

	// 后台爬取完成后结果入库
	require.Eventually(t, func() bool {
		items, err := env.store.ListRecentItems(context.Background(), 10)
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 状态接口可见最近一次运行
	require.Eventually(t, func() bool {
		resp := decode(t, env.do(t, http.MethodGet, "/api/crawler/status", nil))
		return resp["last_run"] != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/crawler/search", map[string]any{"max_pages": 1})
	require.Equal(t, http.StatusBadRequest, w.Code)

	env.crawler.running = true
	w = env.do(t, http.MethodPost, "/api/crawler/search", map[string]any{"keyword": "x"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStopEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/crawler/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, env.crawler.stopped)
}

func TestQREndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/qr-login/generate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	require.Equal(t, "sess-1", resp["session_id"])

	w = env.do(t, http.MethodGet, "/api/qr-login/status/sess-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "waiting", decode(t, w)["status"])

	env.qr.err = qrlogin.ErrNotConfirmed
	w = env.do(t, http.MethodGet, "/api/qr-login/cookies/sess-1", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	env.qr.err = qrlogin.ErrSessionNotFound
	w = env.do(t, http.MethodGet, "/api/qr-login/status/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginStateImport(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/crawler/login-state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decode(t, w)["logged_in"])

	payload := map[string]any{
		"cookies": []map[string]any{{"name": "unb", "value": "1", "domain": ".goofish.com", "path": "/"}},
		"origins": []any{},
	}
	w = env.do(t, http.MethodPost, "/api/crawler/login-state", payload)
	require.Equal(t, http.StatusOK, w.Code)

	state, err := env.state.Load()
	require.NoError(t, err)
	require.True(t, state.HasMarketCookies())

	// 非法内容被拒绝
	req := httptest.NewRequest(http.MethodPost, "/api/crawler/login-state", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/products", map[string]any{"title": "旧显示器", "price": 450.0})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	id := int(created["id"].(float64))
	require.NotZero(t, id)

	w = env.do(t, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, w.Code)

	path := "/api/products/" + itoa(id)
	w = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPut, path, map[string]any{"title": "4K 显示器", "status": "active"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, path+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/products", map[string]any{"price": 1.0})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/tasks", map[string]any{"keyword": "hhkb", "interval_minutes": 30})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	require.Equal(t, "hhkb", created["name"]) // 未给名字时用关键词

	w = env.do(t, http.MethodPost, "/api/tasks", map[string]any{"name": "no keyword"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	id := int(created["id"].(float64))
	w = env.do(t, http.MethodDelete, "/api/tasks/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/tasks/9999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestItemDetailEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.crawler.detail = &model.ItemDetail{ItemID: "1001", Title: "详情"}

	w := env.do(t, http.MethodGet, "/api/items/1001/detail", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "1001", decode(t, w)["item_id"])

	env.crawler.detailErr = crawler.ErrAlreadyRunning
	w = env.do(t, http.MethodGet, "/api/items/1001/detail", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	env.crawler.detailErr = errors.New("boom")
	w = env.do(t, http.MethodGet, "/api/items/1001/detail", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
