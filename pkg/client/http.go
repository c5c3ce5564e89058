package client

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HTTPOptions struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	Headers    map[string]string
}

// NewHTTP builds a resty client whose idle connections are closed on shutdown.
func NewHTTP(lc fx.Lifecycle, opts HTTPOptions) *resty.Client {
	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeaders(opts.Headers).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			zap.L().Debug("outbound request",
				zap.String("method", r.Request.Method),
				zap.String("url", r.Request.URL),
				zap.Int("status", r.StatusCode()),
				zap.Duration("latency", r.Time()),
			)
			return nil
		})

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				c.GetClient().CloseIdleConnections()
				return nil
			},
		})
	}
	return c
}
