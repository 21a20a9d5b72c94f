// Package httppipeline implements the authenticated HTTP request pipeline:
// an ordered chain of Plugins wraps a base *http.Client, each plugin able to
// mutate the outgoing request, inspect the response, or intercept a
// transport error, before the call is considered complete.
//
// The shape is modeled on azcore's policy pipeline (Policy.Do(req) calling
// req.Next()) but expressed against the stdlib http.Request/http.Response
// types directly rather than azcore's own request wrapper, since this
// module's plugins are not restricted to Azure REST conventions (e.g. the
// SasToken and SharedKey plugins apply to Azure Storage's own auth scheme).
package httppipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is the mutable state threaded through the plugin chain for one
// logical call. Plugins read/write Req directly; Body is buffered so that
// plugins (and retries) can be replayed without the caller re-supplying it.
type Request struct {
	Req  *http.Request
	body []byte
}

// SetBody replaces the request body, updating Content-Length and resetting
// Req.Body/GetBody so retries can re-read it.
func (r *Request) SetBody(body []byte) {
	r.body = body
	r.Req.ContentLength = int64(len(body))
	r.Req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	rc, _ := r.Req.GetBody()
	r.Req.Body = rc
}

// Body returns the buffered request body.
func (r *Request) Body() []byte { return r.body }

// Response wraps the *http.Response together with its buffered body so
// plugins can inspect it without consuming the stream.
type Response struct {
	Resp *http.Response
	body []byte
}

// Body returns the buffered response body, reading and caching it from Resp
// on first use.
func (r *Response) Body() ([]byte, error) {
	if r.body != nil {
		return r.body, nil
	}
	if r.Resp == nil || r.Resp.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Resp.Body)
	r.Resp.Body.Close()
	if err != nil {
		return nil, err
	}
	r.body = data
	r.Resp.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// Plugin is one stage of the pipeline. OnRequest runs before the call is
// sent and may mutate req; OnResponse runs after a response is received;
// OnError runs when the transport itself failed (no response at all). All
// three hooks are optional — embed Base to get no-op defaults.
type Plugin interface {
	Name() string
	OnRequest(ctx context.Context, req *Request) error
	OnResponse(ctx context.Context, req *Request, resp *Response) error
	OnError(ctx context.Context, req *Request, err error) error
}

// Base provides no-op implementations of Plugin's hooks so a concrete
// plugin can embed it and override only what it needs.
type Base struct{ PluginName string }

func (b Base) Name() string { return b.PluginName }
func (b Base) OnRequest(ctx context.Context, req *Request) error { return nil }
func (b Base) OnResponse(ctx context.Context, req *Request, resp *Response) error { return nil }
func (b Base) OnError(ctx context.Context, req *Request, err error) error { return err }

// RetrySignal is returned by a Plugin's OnResponse or OnError hook to tell
// the Client to resend the request after Delay, instead of treating the
// hook's return value as a terminal error. The Retry plugin is the only
// builtin plugin that returns one.
type RetrySignal struct {
	Delay time.Duration
}

func (r *RetrySignal) Error() string { return "httppipeline: retry requested" }

type attemptKey struct{}

// AttemptFromContext returns the zero-based attempt number of the request
// being processed, for a Plugin (typically Retry) that needs to know how
// many times this call has already been retried.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// WithAttempt returns a context carrying the given attempt number, as used
// internally by Client.Do. Exposed for tests exercising a Plugin in
// isolation from a real Client.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL        string
	Timeout        time.Duration
	DefaultHeaders map[string]string
	Plugins        []Plugin
	// Transport is the underlying round tripper. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// Client issues HTTP requests through an ordered plugin chain.
type Client struct {
	baseURL        string
	defaultHeaders map[string]string
	plugins        []Plugin
	httpClient     *http.Client
}

// NewClient constructs a Client from opts.
func NewClient(opts ClientOptions) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		defaultHeaders: opts.DefaultHeaders,
		plugins:        opts.Plugins,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}
}

// Do builds a request for method/path with the given body, runs it through
// the plugin chain, and returns the final Response (or error). A Plugin
// (typically Retry) may cause the whole request to be resent by returning a
// *RetrySignal from OnResponse or OnError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	for attempt := 0; ; attempt++ {
		attemptCtx := WithAttempt(ctx, attempt)

		req, err := c.newRequest(attemptCtx, method, path, body)
		if err != nil {
			return nil, err
		}

		for _, p := range c.plugins {
			if err := p.OnRequest(attemptCtx, req); err != nil {
				return nil, fmt.Errorf("httppipeline: plugin %s OnRequest: %w", p.Name(), err)
			}
		}

		httpResp, sendErr := c.httpClient.Do(req.Req)
		if sendErr != nil {
			var finalErr error = sendErr
			for i := len(c.plugins) - 1; i >= 0; i-- {
				finalErr = c.plugins[i].OnError(attemptCtx, req, finalErr)
			}
			var signal *RetrySignal
			if asRetrySignal(finalErr, &signal) {
				if !sleep(ctx, signal.Delay) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, finalErr
		}

		resp := &Response{Resp: httpResp}
		var hookErr error
		for _, p := range c.plugins {
			if err := p.OnResponse(attemptCtx, req, resp); err != nil {
				hookErr = err
				break
			}
		}
		var signal *RetrySignal
		if asRetrySignal(hookErr, &signal) {
			_, _ = io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
			if !sleep(ctx, signal.Delay) {
				return nil, ctx.Err()
			}
			continue
		}
		if hookErr != nil {
			return resp, hookErr
		}
		return resp, nil
	}
}

func asRetrySignal(err error, target **RetrySignal) bool {
	signal, ok := err.(*RetrySignal)
	if ok {
		*target = signal
	}
	return ok
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*Request, error) {
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.defaultHeaders {
		httpReq.Header.Set(k, v)
	}
	req := &Request{Req: httpReq}
	if len(body) > 0 {
		req.SetBody(body)
	}
	return req, nil
}
