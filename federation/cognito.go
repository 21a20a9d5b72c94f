package federation

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"

	"github.com/azure-corelib/azbase/azerrors"
)

const cognitoProviderName = "aws_cognito"

// CognitoIdentityAPI is the subset of the Cognito Identity client used by
// CognitoProvider, narrowed to an interface so tests can supply a fake
// implementation instead of talking to AWS.
type CognitoIdentityAPI interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetOpenIdToken(ctx context.Context, params *cognitoidentity.GetOpenIdTokenInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetOpenIdTokenOutput, error)
	GetOpenIdTokenForDeveloperIdentity(ctx context.Context, params *cognitoidentity.GetOpenIdTokenForDeveloperIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetOpenIdTokenForDeveloperIdentityOutput, error)
}

// Flow selects which Cognito Identity API the provider uses to mint a token.
type Flow string

const (
	// Basic uses GetId followed by GetOpenIdToken, the anonymous/unauthenticated
	// and external-IdP federated flow.
	Basic Flow = "basic"
	// Enhanced uses GetOpenIdTokenForDeveloperIdentity directly, the
	// developer-authenticated-identities flow.
	Enhanced Flow = "enhanced"
)

// CognitoConfig configures a CognitoProvider.
type CognitoConfig struct {
	IdentityPoolID string
	AccountID      string
	Flow           Flow
	// TokenDuration, for Flow == Enhanced, bounds the lifetime of the
	// returned OpenID token in seconds. Zero uses the service default.
	TokenDuration int64
}

// CognitoProvider implements Provider by exchanging logins for an AWS
// Cognito Identity OpenID token.
type CognitoProvider struct {
	api CognitoIdentityAPI
	cfg CognitoConfig
}

// NewCognitoProvider constructs a CognitoProvider from an explicit API seam,
// for dependency injection and tests.
func NewCognitoProvider(api CognitoIdentityAPI, cfg CognitoConfig) (*CognitoProvider, error) {
	if cfg.IdentityPoolID == "" {
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "identity_pool_id"}
	}
	if cfg.Flow == "" {
		cfg.Flow = Basic
	}
	if cfg.Flow != Basic && cfg.Flow != Enhanced {
		return nil, &azerrors.ConfigurationError{Type: azerrors.InvalidValue, Key: "flow", Value: cfg.Flow}
	}
	return &CognitoProvider{api: api, cfg: cfg}, nil
}

// NewCognitoProviderFromEnv constructs a CognitoProvider using a Cognito
// Identity client built from the default AWS configuration chain (env vars,
// shared config, IMDS, etc.).
func NewCognitoProviderFromEnv(ctx context.Context, cfg CognitoConfig) (*CognitoProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMode(aws.RetryModeAdaptive))
	if err != nil {
		return nil, &azerrors.FederationError{Type: azerrors.TokenFetchFailed, Provider: cognitoProviderName, Reason: fmt.Sprintf("loading AWS config: %s", err), Cause: err}
	}
	return NewCognitoProvider(cognitoidentity.NewFromConfig(awsCfg), cfg)
}

// Name implements Provider.
func (p *CognitoProvider) Name() string { return cognitoProviderName }

// Fetch implements Provider, returning the Cognito-issued OpenID token.
func (p *CognitoProvider) Fetch(ctx context.Context, logins map[string]string) (string, error) {
	switch p.cfg.Flow {
	case Enhanced:
		return p.fetchEnhanced(ctx, logins)
	default:
		return p.fetchBasic(ctx, logins)
	}
}

func (p *CognitoProvider) fetchBasic(ctx context.Context, logins map[string]string) (string, error) {
	idInput := &cognitoidentity.GetIdInput{IdentityPoolId: aws.String(p.cfg.IdentityPoolID)}
	if p.cfg.AccountID != "" {
		idInput.AccountId = aws.String(p.cfg.AccountID)
	}
	if len(logins) > 0 {
		idInput.Logins = logins
	}
	idOut, err := p.api.GetId(ctx, idInput)
	if err != nil {
		return "", fmt.Errorf("get identity id: %w", err)
	}

	tokenOut, err := p.api.GetOpenIdToken(ctx, &cognitoidentity.GetOpenIdTokenInput{
		IdentityId: idOut.IdentityId,
		Logins:     logins,
	})
	if err != nil {
		return "", fmt.Errorf("get open id token: %w", err)
	}
	if tokenOut.Token == nil || *tokenOut.Token == "" {
		return "", fmt.Errorf("cognito returned an empty token")
	}
	return *tokenOut.Token, nil
}

func (p *CognitoProvider) fetchEnhanced(ctx context.Context, logins map[string]string) (string, error) {
	input := &cognitoidentity.GetOpenIdTokenForDeveloperIdentityInput{
		IdentityPoolId: aws.String(p.cfg.IdentityPoolID),
		Logins:         logins,
	}
	if p.cfg.TokenDuration > 0 {
		input.TokenDuration = p.cfg.TokenDuration
	}
	out, err := p.api.GetOpenIdTokenForDeveloperIdentity(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get open id token for developer identity: %w", err)
	}
	if out.Token == nil || *out.Token == "" {
		return "", fmt.Errorf("cognito returned an empty token")
	}
	return *out.Token, nil
}
