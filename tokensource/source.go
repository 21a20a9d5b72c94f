// Package tokensource implements the concrete ways an access token can be
// acquired: federated client-assertion exchange, Azure managed identity
// (IMDS / App Service), and AKS workload identity. Each constructor
// returns a Source, the common shape consumed by the credential agent.
package tokensource

import (
	"context"

	"github.com/azure-corelib/azbase/credential"
)

// Source acquires one fresh token per call. Implementations perform no
// caching of their own; that is the credential agent's job.
type Source interface {
	GetToken(ctx context.Context) (credential.Token, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context) (credential.Token, error)

// GetToken implements Source.
func (f SourceFunc) GetToken(ctx context.Context) (credential.Token, error) { return f(ctx) }
