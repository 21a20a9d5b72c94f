package plugins

import (
	"context"

	"github.com/google/uuid"

	"github.com/azure-corelib/azbase/httppipeline"
)

// RequestId stamps every outgoing request with a fresh UUIDv4
// "x-ms-client-request-id" header, unless the caller already set one.
type RequestId struct {
	httppipeline.Base
	Header string
}

// NewRequestId constructs a RequestId plugin. header defaults to
// "x-ms-client-request-id".
func NewRequestId(header string) *RequestId {
	if header == "" {
		header = "x-ms-client-request-id"
	}
	return &RequestId{Base: httppipeline.Base{PluginName: "RequestId"}, Header: header}
}

// OnRequest implements httppipeline.Plugin.
func (p *RequestId) OnRequest(ctx context.Context, req *httppipeline.Request) error {
	if req.Req.Header.Get(p.Header) != "" {
		return nil
	}
	req.Req.Header.Set(p.Header, uuid.NewString())
	return nil
}
