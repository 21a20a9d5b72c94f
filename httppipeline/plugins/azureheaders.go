package plugins

import (
	"context"

	"github.com/azure-corelib/azbase/httppipeline"
)

// AzureHeaders stamps fixed request headers common to Azure REST APIs
// (e.g. "x-ms-version", "Accept") that don't depend on per-request state.
type AzureHeaders struct {
	httppipeline.Base
	Headers map[string]string
}

// NewAzureHeaders constructs an AzureHeaders plugin.
func NewAzureHeaders(headers map[string]string) *AzureHeaders {
	return &AzureHeaders{Base: httppipeline.Base{PluginName: "AzureHeaders"}, Headers: headers}
}

// OnRequest implements httppipeline.Plugin.
func (p *AzureHeaders) OnRequest(ctx context.Context, req *httppipeline.Request) error {
	for k, v := range p.Headers {
		if req.Req.Header.Get(k) == "" {
			req.Req.Header.Set(k, v)
		}
	}
	return nil
}
