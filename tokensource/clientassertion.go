package tokensource

import (
	"context"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
	"github.com/azure-corelib/azbase/federation"
	"github.com/azure-corelib/azbase/oauth2exchange"
)

// ClientAssertionConfig configures a ClientAssertionSource: an external
// assertion obtained from a federated-identity provider, exchanged for an
// Azure AD token via client_credentials/jwt-bearer.
type ClientAssertionConfig struct {
	TenantID string
	ClientID string
	Scope    string
	Cloud    oauth2exchange.Cloud

	// TokenEndpoint/DiscoveryIssuer are only consulted when Cloud is
	// oauth2exchange.CustomBaseURL.
	TokenEndpoint   string
	DiscoveryIssuer string

	// FederationProvider names the provider registered with the
	// Dispatcher, e.g. "aws_cognito".
	FederationProvider string
	// Logins is passed through to the federation provider unmodified.
	Logins map[string]string
}

// ClientAssertionSource implements Source by fetching an external assertion
// from a federation.Dispatcher and exchanging it via an oauth2exchange.Exchanger.
type ClientAssertionSource struct {
	cfg        ClientAssertionConfig
	dispatcher *federation.Dispatcher
	exchanger  *oauth2exchange.Exchanger
}

// NewClientAssertionSource validates cfg and constructs a ClientAssertionSource.
func NewClientAssertionSource(cfg ClientAssertionConfig, dispatcher *federation.Dispatcher, exchanger *oauth2exchange.Exchanger) (*ClientAssertionSource, error) {
	switch {
	case cfg.TenantID == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "tenant_id"}
	case cfg.ClientID == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "client_id"}
	case cfg.Scope == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "scope"}
	case cfg.FederationProvider == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "federation_provider"}
	}
	if dispatcher == nil {
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "dispatcher"}
	}
	if exchanger == nil {
		exchanger = &oauth2exchange.Exchanger{}
	}
	return &ClientAssertionSource{cfg: cfg, dispatcher: dispatcher, exchanger: exchanger}, nil
}

// GetToken implements Source.
func (s *ClientAssertionSource) GetToken(ctx context.Context) (credential.Token, error) {
	assertion, err := s.dispatcher.Dispatch(ctx, s.cfg.FederationProvider, s.cfg.Logins)
	if err != nil {
		return credential.Token{}, err
	}
	return s.exchanger.Exchange(ctx, oauth2exchange.Params{
		TenantID:        s.cfg.TenantID,
		ClientID:        s.cfg.ClientID,
		Assertion:       assertion,
		Scope:           s.cfg.Scope,
		Cloud:           s.cfg.Cloud,
		TokenEndpoint:   s.cfg.TokenEndpoint,
		DiscoveryIssuer: s.cfg.DiscoveryIssuer,
	})
}
