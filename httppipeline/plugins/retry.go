package plugins

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/azure-corelib/azbase/httppipeline"
)

// RetryConfig bounds Retry's behavior.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	// Defaults to 3.
	MaxRetries int
	// BaseDelay is the first retry's backoff. Defaults to 500ms, doubling
	// each subsequent attempt and capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff. Defaults to 8s.
	MaxDelay time.Duration
	// StatusCodes lists the HTTP status codes considered retryable.
	// Defaults to 429, 500, 502, 503, 504.
	StatusCodes []int
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	if len(c.StatusCodes) == 0 {
		c.StatusCodes = []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
	}
	return c
}

// Retry inspects each response's status and, for a retryable status within
// MaxRetries, signals the pipeline to resend the request after a
// Retry-After-aware, capped-exponential-backoff delay.
type Retry struct {
	httppipeline.Base
	cfg RetryConfig
}

// NewRetry constructs a Retry plugin.
func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{Base: httppipeline.Base{PluginName: "Retry"}, cfg: cfg.withDefaults()}
}

// OnResponse implements httppipeline.Plugin.
func (p *Retry) OnResponse(ctx context.Context, req *httppipeline.Request, resp *httppipeline.Response) error {
	if !p.isRetryableStatus(resp.Resp.StatusCode) {
		return nil
	}
	attempt := httppipeline.AttemptFromContext(ctx)
	if attempt >= p.cfg.MaxRetries {
		return nil
	}
	return &httppipeline.RetrySignal{Delay: p.delay(resp, attempt)}
}

// OnError implements httppipeline.Plugin: transport-level failures (refused
// connections, timeouts) are retried the same way as retryable statuses.
func (p *Retry) OnError(ctx context.Context, req *httppipeline.Request, err error) error {
	attempt := httppipeline.AttemptFromContext(ctx)
	if attempt >= p.cfg.MaxRetries {
		return err
	}
	return &httppipeline.RetrySignal{Delay: p.delay(nil, attempt)}
}

func (p *Retry) isRetryableStatus(status int) bool {
	for _, s := range p.cfg.StatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

func (p *Retry) delay(resp *httppipeline.Response, attempt int) time.Duration {
	if resp != nil {
		if ra := resp.Resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	delay := p.cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	return delay
}
