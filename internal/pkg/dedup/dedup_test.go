package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestWindow_Seen(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	w := NewWindow(rdb, time.Minute)
	ctx := context.Background()

	seen, err := w.Seen(ctx, 1, "757829193859")
	if err != nil {
		t.Fatalf("first seen: %v", err)
	}
	if seen {
		t.Fatal("expected first occurrence to be new")
	}

	seen, err = w.Seen(ctx, 1, "757829193859")
	if err != nil {
		t.Fatalf("second seen: %v", err)
	}
	if !seen {
		t.Fatal("expected second occurrence to be deduplicated")
	}

	// 同一商品在不同任务下相互独立
	seen, err = w.Seen(ctx, 2, "757829193859")
	if err != nil {
		t.Fatalf("other task seen: %v", err)
	}
	if seen {
		t.Fatal("expected different task to have its own window")
	}
}

func TestWindow_ForgetAndNilSafety(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	w := NewWindow(rdb, time.Minute)
	ctx := context.Background()

	if _, err := w.Seen(ctx, 7, "abc"); err != nil {
		t.Fatalf("seen: %v", err)
	}
	if err := w.Forget(ctx, 7, "abc"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	seen, err := w.Seen(ctx, 7, "abc")
	if err != nil {
		t.Fatalf("seen after forget: %v", err)
	}
	if seen {
		t.Fatal("expected forget to reset the window")
	}

	var nilWindow *Window
	seen, err = nilWindow.Seen(ctx, 1, "x")
	if err != nil || seen {
		t.Fatalf("nil window: seen=%v err=%v", seen, err)
	}
}
