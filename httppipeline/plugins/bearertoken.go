// Package plugins implements the builtin httppipeline.Plugin stages:
// BearerToken, ApiKey, SasToken, SharedKey, RequestId, AzureHeaders, Retry,
// and ErrorHandler.
package plugins

import (
	"context"
	"fmt"

	"github.com/azure-corelib/azbase/agent"
	"github.com/azure-corelib/azbase/httppipeline"
)

// BearerToken attaches "Authorization: Bearer <token>" using a token
// acquired from an *agent.Agent. It owns a single agent rather than a whole
// Registry, since each pipeline Client is normally wired to one credential.
type BearerToken struct {
	httppipeline.Base
	Agent *agent.Agent
}

// NewBearerToken constructs a BearerToken plugin over agent.
func NewBearerToken(a *agent.Agent) *BearerToken {
	return &BearerToken{Base: httppipeline.Base{PluginName: "BearerToken"}, Agent: a}
}

// OnRequest implements httppipeline.Plugin.
func (p *BearerToken) OnRequest(ctx context.Context, req *httppipeline.Request) error {
	tok, err := p.Agent.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("bearer token plugin: %w", err)
	}
	req.Req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}
