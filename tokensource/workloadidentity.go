package tokensource

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
	"github.com/azure-corelib/azbase/oauth2exchange"
)

const (
	envTenantID  = "AZURE_TENANT_ID"
	envClientID  = "AZURE_CLIENT_ID"
	envTokenFile = "AZURE_FEDERATED_TOKEN_FILE"
)

// WorkloadIdentityConfig configures a WorkloadIdentitySource. Any field left
// empty falls back to the corresponding AKS workload-identity-injected
// environment variable; an explicitly supplied value always wins over the
// environment.
type WorkloadIdentityConfig struct {
	TenantID      string
	ClientID      string
	TokenFilePath string
	Scope         string
	Cloud         oauth2exchange.Cloud

	// TokenEndpoint/DiscoveryIssuer are only consulted when Cloud is
	// oauth2exchange.CustomBaseURL.
	TokenEndpoint   string
	DiscoveryIssuer string
}

func (c WorkloadIdentityConfig) resolve() WorkloadIdentityConfig {
	if c.TenantID == "" {
		c.TenantID = os.Getenv(envTenantID)
	}
	if c.ClientID == "" {
		c.ClientID = os.Getenv(envClientID)
	}
	if c.TokenFilePath == "" {
		c.TokenFilePath = os.Getenv(envTokenFile)
	}
	return c
}

// WorkloadIdentitySource implements Source for AKS workload identity: it
// reads a projected service-account token from TokenFilePath and exchanges
// it for an Azure AD token via oauth2exchange.
type WorkloadIdentitySource struct {
	cfg       WorkloadIdentityConfig
	exchanger *oauth2exchange.Exchanger
	readFile  func(string) ([]byte, error)
}

// NewWorkloadIdentitySource resolves cfg against the environment and
// validates the result.
func NewWorkloadIdentitySource(cfg WorkloadIdentityConfig, exchanger *oauth2exchange.Exchanger) (*WorkloadIdentitySource, error) {
	cfg = cfg.resolve()
	switch {
	case cfg.TenantID == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "tenant_id"}
	case cfg.ClientID == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "client_id"}
	case cfg.TokenFilePath == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "token_file_path"}
	case cfg.Scope == "":
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "scope"}
	}
	if exchanger == nil {
		exchanger = &oauth2exchange.Exchanger{}
	}
	return &WorkloadIdentitySource{cfg: cfg, exchanger: exchanger, readFile: os.ReadFile}, nil
}

// GetToken implements Source.
func (s *WorkloadIdentitySource) GetToken(ctx context.Context) (credential.Token, error) {
	raw, err := s.readFile(s.cfg.TokenFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return credential.Token{}, &azerrors.ManagedIdentityError{
				Type:     azerrors.TokenFileNotFound,
				Provider: "workload_identity",
				Reason:   err.Error(),
				Cause:    err,
			}
		}
		return credential.Token{}, &azerrors.ManagedIdentityError{
			Type:     azerrors.TokenFileReadError,
			Provider: "workload_identity",
			Reason:   err.Error(),
			Cause:    err,
		}
	}
	assertion := strings.TrimSpace(string(raw))
	if assertion == "" {
		return credential.Token{}, &azerrors.ManagedIdentityError{
			Type:     azerrors.TokenFileReadError,
			Provider: "workload_identity",
			Reason:   "token file is empty",
		}
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
