package qrlogin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusWaiting, false},
		{StatusScanned, false},
		{StatusSuccess, true},
		{StatusExpired, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSessionTransitionGuards(t *testing.T) {
	now := time.Now()
	sess := newSession("s1", now)

	require.True(t, sess.transition(StatusScanned, now))
	require.Equal(t, StatusScanned, sess.Status(now))

	// 已扫码不允许退回等待
	require.False(t, sess.transition(StatusWaiting, now))
	require.Equal(t, StatusScanned, sess.Status(now))

	require.True(t, sess.transition(StatusSuccess, now))

	// 终态不可离开
	require.False(t, sess.transition(StatusExpired, now))
	require.False(t, sess.transition(StatusScanned, now))
	require.Equal(t, StatusSuccess, sess.Status(now))
}

func TestSessionDerivedExpiry(t *testing.T) {
	created := time.Now()
	sess := newSession("s1", created)

	require.Equal(t, StatusWaiting, sess.Status(created.Add(sessionTTL)))
	require.Equal(t, StatusExpired, sess.Status(created.Add(sessionTTL+time.Second)))

	// 成功会话不受有效期影响
	sess.transition(StatusSuccess, created)
	require.Equal(t, StatusSuccess, sess.Status(created.Add(sessionTTL+time.Hour)))
}

func TestSessionCookies(t *testing.T) {
	sess := newSession("s1", time.Now())

	sess.mergeCookies(map[string]string{"cookie2": "abc", "unb": "1234567", "empty": ""})
	sess.mergeCookies(map[string]string{"cookie2": "def"})

	cookies := sess.Cookies()
	require.Equal(t, "def", cookies["cookie2"])
	require.Equal(t, "1234567", cookies["unb"])
	require.NotContains(t, cookies, "empty")
	require.Equal(t, "1234567", sess.AccountID())

	// 副本不影响内部状态
	cookies["cookie2"] = "mutated"
	require.Equal(t, "def", sess.Cookies()["cookie2"])

	header := sess.CookieString()
	require.Contains(t, header, "cookie2=def")
	require.Contains(t, header, "unb=1234567")
}

func TestSessionEvictable(t *testing.T) {
	created := time.Now()
	keep := 10 * time.Minute

	sess := newSession("s1", created)
	require.False(t, sess.evictable(created.Add(time.Minute), keep))

	sess.transition(StatusExpired, created.Add(time.Minute))
	require.False(t, sess.evictable(created.Add(5*time.Minute), keep))
	require.True(t, sess.evictable(created.Add(12*time.Minute), keep))

	// 非终态会话按创建时间兜底
	stuck := newSession("s2", created)
	require.False(t, stuck.evictable(created.Add(sessionTTL), keep))
	require.True(t, stuck.evictable(created.Add(sessionTTL+keep+time.Second), keep))
}
