package plugins

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/httppipeline"
)

// ErrorHandler converts a final (non-retried) 4xx/5xx response into an
// azerrors.HTTPError, extracting the error code and message from whichever
// of the two response shapes Azure services commonly use:
//
//	{"error": {"code": "...", "message": "..."}}   (ARM / most data-plane APIs)
//	{"code": "...", "message": "..."}               (some data-plane APIs)
//
// The nested "error" object takes precedence when both are present. If
// neither shape parses, ErrorCode/Message are left empty.
type ErrorHandler struct {
	httppipeline.Base
}

// NewErrorHandler constructs an ErrorHandler plugin.
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{Base: httppipeline.Base{PluginName: "ErrorHandler"}}
}

// OnResponse implements httppipeline.Plugin.
func (p *ErrorHandler) OnResponse(ctx context.Context, req *httppipeline.Request, resp *httppipeline.Response) error {
	if resp.Resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	body, err := resp.Body()
	if err != nil {
		return &azerrors.HTTPError{Status: resp.Resp.StatusCode, URL: req.Req.URL.String()}
	}

	code := gjson.GetBytes(body, "error.code").String()
	message := gjson.GetBytes(body, "error.message").String()
	if code == "" {
		code = gjson.GetBytes(body, "code").String()
	}
	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}

	return &azerrors.HTTPError{
		Status:    resp.Resp.StatusCode,
		ErrorCode: code,
		Message:   message,
		RequestID: resp.Resp.Header.Get("x-ms-request-id"),
		URL:       req.Req.URL.String(),
	}
}
