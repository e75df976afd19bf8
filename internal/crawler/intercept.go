package crawler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrResponseTimeout 表示在限定时间内没有拦截到目标接口响应。
var ErrResponseTimeout = errors.New("crawler: timed out waiting for target response")

// waitResponse 拦截 URL 包含 pattern 的下一个接口响应并返回其 body。
//
// 先注册监听再执行 trigger（页面跳转、点击等），避免响应先于监听到达。
// trigger 可以为 nil，表示响应由页面自身行为触发。
func waitResponse(ctx context.Context, page *rod.Page, pattern string, timeout time.Duration, trigger func() error) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tpage := page.Context(tctx)
	if err := (proto.NetworkEnable{}).Call(tpage); err != nil {
		return nil, fmt.Errorf("enable network domain: %w", err)
	}

	var (
		mu         sync.Mutex
		pending    = map[proto.NetworkRequestID]bool{}
		body       []byte
		captureErr error
	)

	wait := tpage.EachEvent(
		func(e *proto.NetworkResponseReceived) {
			if strings.Contains(e.Response.URL, pattern) {
				mu.Lock()
				pending[e.RequestID] = true
				mu.Unlock()
			}
		},
		// body 只有在 loadingFinished 之后才保证完整
		func(e *proto.NetworkLoadingFinished) bool {
			mu.Lock()
			matched := pending[e.RequestID]
			mu.Unlock()
			if !matched {
				return false
			}

			res, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(tpage)
			if err != nil {
				captureErr = fmt.Errorf("get response body: %w", err)
				return true
			}
			if res.Base64Encoded {
				body, captureErr = base64.StdEncoding.DecodeString(res.Body)
			} else {
				body = []byte(res.Body)
			}
			return true
		},
	)

	if trigger != nil {
		if err := trigger(); err != nil {
			return nil, err
		}
	}

	wait()

	if tctx.Err() != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrResponseTimeout
	}
	if captureErr != nil {
		return nil, captureErr
	}
	return body, nil
}
