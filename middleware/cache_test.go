package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/logger"
	"github.com/saiset-co/sai-swr/store"
	"github.com/saiset-co/sai-swr/swr"
	"github.com/saiset-co/sai-swr/types"
)

func newTestMiddleware(t *testing.T, config *CacheConfig) (*CacheMiddleware, *swr.Manager, types.CacheStore) {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), log, &types.StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("NewMemoryStore() = %v", err)
	}
	if err := cacheStore.Start(); err != nil {
		t.Fatalf("store.Start() = %v", err)
	}
	t.Cleanup(func() { cacheStore.Stop() })

	manager, err := swr.NewManager(context.Background(), &types.ServiceConfig{
		SWR:  &types.SWRConfig{DefaultTimeout: time.Minute, DefaultRefreshMargin: time.Second, KeyPrefix: "http"},
		Pool: &types.PoolConfig{Workers: 2, QueueSize: 8, ShutdownTimeout: time.Second},
	}, log, nil, cacheStore)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("manager.Start() = %v", err)
	}
	t.Cleanup(func() { manager.Stop() })

	return NewCacheMiddleware(log, manager, config), manager, cacheStore
}

func doRequest(handler fasthttp.RequestHandler, method, uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)

	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	handler(&ctx)
	return &ctx
}

func TestCacheMiddlewareCachesGET(t *testing.T) {
	mw, _, _ := newTestMiddleware(t, &CacheConfig{Enabled: true, Timeout: time.Minute, RefreshMargin: time.Second})

	var handled int64
	handler := mw.Wrap(func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt64(&handled, 1)
		ctx.Response.Header.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"temp":21}`)
	})

	first := doRequest(handler, fasthttp.MethodGet, "/forecast?city=berlin")
	if first.Response.StatusCode() != fasthttp.StatusOK || string(first.Response.Body()) != `{"temp":21}` {
		t.Fatalf("first response = %d %q", first.Response.StatusCode(), first.Response.Body())
	}

	second := doRequest(handler, fasthttp.MethodGet, "/forecast?city=berlin")
	if string(second.Response.Body()) != `{"temp":21}` {
		t.Fatalf("second response body = %q", second.Response.Body())
	}
	if got := string(second.Response.Header.ContentType()); got != "application/json" {
		t.Fatalf("cached response lost content type: %q", got)
	}

	if got := atomic.LoadInt64(&handled); got != 1 {
		t.Fatalf("handler ran %d times for a fresh key, want 1", got)
	}
}

func TestCacheMiddlewareQueryOrderIrrelevant(t *testing.T) {
	mw, _, _ := newTestMiddleware(t, &CacheConfig{Enabled: true, Timeout: time.Minute, RefreshMargin: time.Second})

	var handled int64
	handler := mw.Wrap(func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt64(&handled, 1)
		ctx.SetBodyString("ok")
	})

	doRequest(handler, fasthttp.MethodGet, "/forecast?city=berlin&units=metric")
	doRequest(handler, fasthttp.MethodGet, "/forecast?units=metric&city=berlin")

	if got := atomic.LoadInt64(&handled); got != 1 {
		t.Fatalf("reordered query params recomputed: handler ran %d times", got)
	}
}

func TestCacheMiddlewarePassesThroughNonGET(t *testing.T) {
	mw, manager, cacheStore := newTestMiddleware(t, &CacheConfig{Enabled: true, Timeout: time.Minute})

	var handled int64
	handler := mw.Wrap(func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt64(&handled, 1)
		ctx.SetBodyString("created")
	})

	doRequest(handler, fasthttp.MethodPost, "/forecast")
	doRequest(handler, fasthttp.MethodPost, "/forecast")

	if got := atomic.LoadInt64(&handled); got != 2 {
		t.Fatalf("POST requests were cached: handler ran %d times", got)
	}
	if cacheStore.Has(manager.Key("/forecast", nil)) {
		t.Fatal("POST response was stored")
	}
}

func TestCacheMiddlewareSkipsUncacheableResponses(t *testing.T) {
	mw, manager, cacheStore := newTestMiddleware(t, &CacheConfig{Enabled: true, Timeout: time.Minute})

	handler := mw.Wrap(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString("upstream down")
	})

	resp := doRequest(handler, fasthttp.MethodGet, "/forecast")
	if resp.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Fatalf("error response not passed through: %d", resp.Response.StatusCode())
	}
	if cacheStore.Has(manager.Key("/forecast", nil)) {
		t.Fatal("error response was stored")
	}
}

func TestCacheMiddlewareNoCacheHeader(t *testing.T) {
	mw, manager, cacheStore := newTestMiddleware(t, &CacheConfig{Enabled: true, Timeout: time.Minute})

	handler := mw.Wrap(func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBodyString("sensitive")
	})

	resp := doRequest(handler, fasthttp.MethodGet, "/forecast")
	if string(resp.Response.Body()) != "sensitive" {
		t.Fatalf("no-store response not passed through: %q", resp.Response.Body())
	}
	if cacheStore.Has(manager.Key("/forecast", nil)) {
		t.Fatal("no-store response was stored")
	}
}

func TestCacheMiddlewareDisabled(t *testing.T) {
	mw, _, _ := newTestMiddleware(t, &CacheConfig{Enabled: false, Timeout: time.Minute})

	var handled int64
	handler := mw.Wrap(func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt64(&handled, 1)
		ctx.SetBodyString("ok")
	})

	doRequest(handler, fasthttp.MethodGet, "/forecast")
	doRequest(handler, fasthttp.MethodGet, "/forecast")

	if got := atomic.LoadInt64(&handled); got != 2 {
		t.Fatalf("disabled middleware still cached: handler ran %d times", got)
	}
}
