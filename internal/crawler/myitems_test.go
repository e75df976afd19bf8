package crawler

import (
	"testing"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"

	"github.com/stretchr/testify/require"
)

func TestItemIDFromHref(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{"query param", "https://www.goofish.com/item?id=900000000001", "900000000001"},
		{"query param with extras", "/item?spm=a21ybx.1&id=900000000002&from=my", "900000000002"},
		{"path fallback", "https://www.goofish.com/item/900000000003.html", "900000000003"},
		{"short digits ignored", "/item/12345", ""},
		{"empty", "", ""},
		{"no id at all", "https://www.goofish.com/my-selling", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, itemIDFromHref(tt.href))
		})
	}
}

func TestCountAfter(t *testing.T) {
	text := "iPhone 13\n¥3200\n浏览 345 · 想要:27"
	require.Equal(t, 345, countAfter(text, "浏览"))
	require.Equal(t, 27, countAfter(text, "想要"))
	require.Equal(t, 0, countAfter(text, "收藏"))
	require.Equal(t, 0, countAfter("浏览很多", "浏览"))
}

func TestMergeSummaries(t *testing.T) {
	existing := []model.MyItemSummary{
		{ItemID: "1", Title: "a"},
		{ItemID: "2", Title: "b"},
	}
	found := []model.MyItemSummary{
		{ItemID: "2", Title: "b-dup"},
		{ItemID: "3", Title: "c"},
		{ItemID: "", Title: "no id"},
		{ItemID: "3", Title: "c-dup"},
	}

	merged, added := mergeSummaries(existing, found)
	require.Equal(t, 1, added)
	require.Len(t, merged, 3)
	// 先到先得，后续同 ID 卡片不覆盖
	require.Equal(t, "b", merged[1].Title)
	require.Equal(t, "c", merged[2].Title)

	merged, added = mergeSummaries(nil, found)
	require.Equal(t, 2, added)
	require.Len(t, merged, 2)

	merged, added = mergeSummaries(merged, nil)
	require.Equal(t, 0, added)
	require.Len(t, merged, 2)
}

func TestIsLoginRedirect(t *testing.T) {
	require.True(t, isLoginRedirect("https://passport.goofish.com/mini_login.htm?redirect=1"))
	require.True(t, isLoginRedirect("https://www.goofish.com/login?back=my-selling"))
	require.False(t, isLoginRedirect("https://www.goofish.com/my-selling"))
}

func TestBuildSearchURL(t *testing.T) {
	require.Equal(t, "https://www.goofish.com/search?q=iphone+13", buildSearchURL("iphone 13"))
	require.Equal(t, "https://www.goofish.com/search?q=%E7%9B%B8%E6%9C%BA", buildSearchURL("相机"))
}

func TestOutcomeStatusLabel(t *testing.T) {
	require.Equal(t, "success", (&Outcome{}).statusLabel())
	require.Equal(t, "stopped", (&Outcome{Stopped: true}).statusLabel())
	require.Equal(t, "timeout", (&Outcome{TimedOut: true}).statusLabel())
	// 风控标志优先级最高
	require.Equal(t, "bot_challenge", (&Outcome{BotChallenge: true, TimedOut: true}).statusLabel())
}
