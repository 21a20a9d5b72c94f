package plugins

import (
	"context"

	"github.com/azure-corelib/azbase/credential"
	"github.com/azure-corelib/azbase/httppipeline"
)

// ApiKey attaches a static API key as a request header (e.g.
// "Ocp-Apim-Subscription-Key" for Azure Cognitive Services).
type ApiKey struct {
	httppipeline.Base
	Header string
	Key    credential.APIKey
}

// NewApiKey constructs an ApiKey plugin. header defaults to
// "Ocp-Apim-Subscription-Key" when empty.
func NewApiKey(header string, key credential.APIKey) *ApiKey {
	if header == "" {
		header = "Ocp-Apim-Subscription-Key"
	}
	return &ApiKey{Base: httppipeline.Base{PluginName: "ApiKey"}, Header: header, Key: key}
}

// OnRequest implements httppipeline.Plugin.
func (p *ApiKey) OnRequest(ctx context.Context, req *httppipeline.Request) error {
	req.Req.Header.Set(p.Header, p.Key.Key())
	return nil
}
