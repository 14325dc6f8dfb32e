package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/swr"
	"github.com/saiset-co/sai-swr/types"
	"github.com/saiset-co/sai-swr/utils"
)

type CacheConfig struct {
	Enabled       bool          `json:"enabled"`
	Timeout       time.Duration `json:"timeout"`
	RefreshMargin time.Duration `json:"refresh_margin"`
}

// CacheMiddleware caches GET responses with the stale-while-revalidate
// policy. The cache key is derived from the request path plus its query
// parameters, so the enumeration order of arguments never matters. On a
// stale hit the previous response is served while the handler re-executes in
// the background against a snapshot of the request.
type CacheMiddleware struct {
	logger  types.Logger
	manager *swr.Manager
	config  *CacheConfig
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func NewCacheMiddleware(logger types.Logger, manager *swr.Manager, config *CacheConfig) *CacheMiddleware {
	if config == nil {
		config = &CacheConfig{Enabled: true}
	}
	if config.Timeout <= 0 {
		opts := manager.DefaultOptions()
		config.Timeout = opts.Timeout
		config.RefreshMargin = opts.RefreshMargin
	}

	return &CacheMiddleware{
		logger:  logger,
		manager: manager,
		config:  config,
	}
}

func (c *CacheMiddleware) Wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !c.config.Enabled || string(ctx.Method()) != fasthttp.MethodGet {
			next(ctx)
			return
		}

		resource := string(ctx.Path())
		params := queryParams(ctx)

		// Snapshot the request so a background refresh can re-execute the
		// handler after this request context is recycled.
		req := &fasthttp.Request{}
		ctx.Request.CopyTo(req)

		compute := func(context.Context) (interface{}, error) {
			return c.execute(req, next)
		}

		opts := swr.Options{Timeout: c.config.Timeout, RefreshMargin: c.config.RefreshMargin}

		value, err := c.manager.Fetch(ctx, resource, params, opts, compute)
		if err != nil {
			c.logger.Debug("Response cache bypassed",
				zap.String("path", resource),
				zap.Error(err))
			next(ctx)
			return
		}

		resp, err := decodeCached(value)
		if err != nil {
			c.logger.ErrorWithCause("Failed to decode cached response", err,
				zap.String("path", resource))
			next(ctx)
			return
		}

		restoreResponse(ctx, resp)
	}
}

func (c *CacheMiddleware) execute(req *fasthttp.Request, next fasthttp.RequestHandler) (*cachedResponse, error) {
	var reqCtx fasthttp.RequestCtx
	reqCtx.Init(req, nil, nil)

	next(&reqCtx)

	status := reqCtx.Response.StatusCode()
	if !cacheableResponse(&reqCtx.Response) {
		return nil, types.Errorf(types.ErrComputeFailed, "response not cacheable, status: %d", status)
	}

	body := make([]byte, len(reqCtx.Response.Body()))
	copy(body, reqCtx.Response.Body())

	return &cachedResponse{
		Status:      status,
		ContentType: string(reqCtx.Response.Header.ContentType()),
		Body:        body,
	}, nil
}

func cacheableResponse(resp *fasthttp.Response) bool {
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return false
	}
	if len(resp.Body()) == 0 {
		return false
	}

	cacheControl := strings.ToLower(string(resp.Header.Peek("Cache-Control")))
	if strings.Contains(cacheControl, "no-cache") || strings.Contains(cacheControl, "no-store") {
		return false
	}

	return true
}

func queryParams(ctx *fasthttp.RequestCtx) map[string]string {
	args := ctx.QueryArgs()
	if args.Len() == 0 {
		return nil
	}

	params := make(map[string]string, args.Len())
	args.VisitAll(func(key, value []byte) {
		params[string(key)] = string(value)
	})
	return params
}

// decodeCached handles both the in-process case, where the stored value is
// still a *cachedResponse, and backends that round-trip through JSON and
// return a generic map.
func decodeCached(value interface{}) (*cachedResponse, error) {
	if resp, ok := value.(*cachedResponse); ok {
		return resp, nil
	}

	data, err := utils.Marshal(value)
	if err != nil {
		return nil, err
	}

	var resp cachedResponse
	if err := utils.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func restoreResponse(ctx *fasthttp.RequestCtx, resp *cachedResponse) {
	ctx.Response.SetStatusCode(resp.Status)
	if resp.ContentType != "" {
		ctx.Response.Header.SetContentType(resp.ContentType)
	}
	ctx.Response.SetBody(resp.Body)
}
