package qrlogin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const loginPageHTML = `<!DOCTYPE html>
<html><head><title>登录</title></head><body>
<script>var other = 1;</script>
<script>
window.viewData = {"loginFormData":{"appName":"xianyu","appEntrance":"web","_csrf_token":"csrf-abc","umidToken":"umid-1","hsiz":"h1"},"extra":true};
</script>
</body></html>`

type fakeStateWriter struct {
	mu     sync.Mutex
	saved  map[string]string
	called bool
}

func (f *fakeStateWriter) SaveCookieMap(cookies map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.saved = cookies
	return nil
}

// loginServer 模拟登录端点。queryScript 按调用次数给出 qrCodeStatus 序列，
// 超出后重复最后一个。
func loginServer(t *testing.T, queryScript []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	queries := &atomic.Int32{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "_m_h5_tk", Value: "tokenvalue_1730000000000", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ret":["SUCCESS::调用成功"]}`))
	})
	mux.HandleFunc("/mini_login.htm", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appName") != "xianyu" {
			http.Error(w, "bad appName", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(loginPageHTML))
	})
	mux.HandleFunc("/generate.do", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("_csrf_token") != "csrf-abc" || r.URL.Query().Get("umidTag") != "SERVER" {
			http.Error(w, "missing form params", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":{"success":true,"data":{"t":1730000001234,"ck":"ck-xyz","codeContent":"https://login.m.goofish.com/qr?code=1"}}}`))
	})
	mux.HandleFunc("/query.do", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostFormValue("ck") != "ck-xyz" || r.PostFormValue("t") != "1730000001234" {
			http.Error(w, "missing poll params", http.StatusBadRequest)
			return
		}
		n := int(queries.Add(1)) - 1
		if n >= len(queryScript) {
			n = len(queryScript) - 1
		}
		status := queryScript[n]
		if status == "CONFIRMED" {
			http.SetCookie(w, &http.Cookie{Name: "unb", Value: "9876543210", Path: "/"})
			http.SetCookie(w, &http.Cookie{Name: "cookie2", Value: "session-secret", Path: "/"})
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":{"success":true,"data":{"qrCodeStatus":"` + status + `"}}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, queries
}

func newTestManager(t *testing.T, srv *httptest.Server, state StateWriter) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, state,
		WithEndpoints(srv.URL+"/token", srv.URL+"/mini_login.htm", srv.URL+"/generate.do", srv.URL+"/query.do"),
		WithPollInterval(10*time.Millisecond, 20*time.Millisecond, 2*time.Second),
		WithJanitor(50*time.Millisecond, time.Hour),
	)
	t.Cleanup(m.Close)
	return m
}

func TestGenerateAndConfirm(t *testing.T) {
	srv, _ := loginServer(t, []string{"NEW", "SCANED", "CONFIRMED"})
	state := &fakeStateWriter{}
	m := newTestManager(t, srv, state)

	sess, err := m.GenerateCode(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Contains(t, sess.QRImage(), "data:image/png;base64,")

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(sess.ID)
		return err == nil && status == StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	cookies, err := m.GetCookies(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "9876543210", cookies["unb"])
	require.Equal(t, "session-secret", cookies["cookie2"])
	// 握手阶段下发的 token cookie 也要随会话导出
	require.Equal(t, "tokenvalue_1730000000000", cookies["_m_h5_tk"])
	require.Equal(t, "9876543210", sess.AccountID())
	require.Contains(t, sess.CookieString(), "_m_h5_tk=tokenvalue_1730000000000")

	state.mu.Lock()
	defer state.mu.Unlock()
	require.True(t, state.called)
	require.Equal(t, "session-secret", state.saved["cookie2"])
	require.Equal(t, "tokenvalue_1730000000000", state.saved["_m_h5_tk"])
}

func TestServerReportsExpired(t *testing.T) {
	srv, _ := loginServer(t, []string{"NEW", "EXPIRED"})
	m := newTestManager(t, srv, nil)

	sess, err := m.GenerateCode(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(sess.ID)
		return err == nil && status == StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.GetCookies(sess.ID)
	require.ErrorIs(t, err, ErrNotConfirmed)
}

func TestUnknownStatusCancels(t *testing.T) {
	srv, _ := loginServer(t, []string{"REFUSED_BY_SERVER"})
	m := newTestManager(t, srv, nil)

	sess, err := m.GenerateCode(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(sess.ID)
		return err == nil && status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollCeilingForcesExpiry(t *testing.T) {
	srv, _ := loginServer(t, []string{"NEW"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, nil,
		WithEndpoints(srv.URL+"/token", srv.URL+"/mini_login.htm", srv.URL+"/generate.do", srv.URL+"/query.do"),
		WithPollInterval(10*time.Millisecond, 20*time.Millisecond, 100*time.Millisecond),
	)
	t.Cleanup(m.Close)

	sess, err := m.GenerateCode(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(sess.ID)
		return err == nil && status == StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseCancelsActiveSessions(t *testing.T) {
	srv, _ := loginServer(t, []string{"NEW"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, nil,
		WithEndpoints(srv.URL+"/token", srv.URL+"/mini_login.htm", srv.URL+"/generate.do", srv.URL+"/query.do"),
		WithPollInterval(10*time.Millisecond, 20*time.Millisecond, time.Minute),
	)

	sess, err := m.GenerateCode(context.Background())
	require.NoError(t, err)

	m.Close()

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(sess.ID)
		return err == nil && status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetStatusUnknownSession(t *testing.T) {
	srv, _ := loginServer(t, []string{"NEW"})
	m := newTestManager(t, srv, nil)

	_, err := m.GetStatus("no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.GetCookies("no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExtractViewData(t *testing.T) {
	viewData, err := extractViewData(loginPageHTML)
	require.NoError(t, err)

	form, ok := viewData["loginFormData"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "csrf-abc", form["_csrf_token"])

	_, err = extractViewData("<html><body>nothing here</body></html>")
	require.Error(t, err)
}
