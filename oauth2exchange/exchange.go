// Package oauth2exchange performs the OAuth2 JWT-bearer round trip against
// an Azure AD v2.0 token endpoint: given an external assertion, a tenant,
// a client id and a scope, it exchanges them for an Azure AD access token.
//
// It deliberately does not depend on azidentity for the exchange itself
// (the core re-implements this leaf call rather than delegating token
// minting to the official SDK, per the module's non-goals). Internally a
// successful response is carried through a golang.org/x/oauth2 oauth2.Token
// before being returned as a credential.Token.
package oauth2exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
)

// Cloud selects the Azure AD authority host used to build the token
// endpoint.
type Cloud string

const (
	Public         Cloud = "public"
	Government     Cloud = "government"
	China          Cloud = "china"
	Germany        Cloud = "germany"
	CustomBaseURL  Cloud = "custom_base_url"
	defaultCloud         = Public
	grantType            = "client_credentials"
	assertionType        = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// cloudHosts is seeded from azcore/cloud's predefined authority hosts where
// one exists, so the public/government/china hosts track the SDK's own
// values rather than a hand-copied string. Germany (the retired sovereign
// cloud) has no azcore/cloud entry and is kept as a literal.
var cloudHosts = map[Cloud]string{
	Public:     authorityHost(cloud.AzurePublic),
	Government: authorityHost(cloud.AzureGovernment),
	China:      authorityHost(cloud.AzureChina),
	Germany:    "login.microsoftonline.de",
}

func authorityHost(c cloud.Configuration) string {
	host := strings.TrimPrefix(c.ActiveDirectoryAuthorityHost, "https://")
	return strings.TrimSuffix(host, "/")
}

// aadstsCodeMap takes precedence over the string error code below, per
// spec.md §4.1's mapping precedence table.
var aadstsCodeMap = map[int64]azerrors.AzureADSTSErrorType{
	70021:  azerrors.FederationTrustMismatch,
	700016: azerrors.InvalidTenantID,
	50027:  azerrors.InvalidJWT,
	700027: azerrors.CertificateNotFound,
}

var aadstsStringMap = map[string]azerrors.AzureADSTSErrorType{
	"invalid_client":  azerrors.InvalidClient,
	"invalid_scope":   azerrors.InvalidScope,
	"invalid_request": azerrors.InvalidRequest,
}

// Params describes one token exchange request.
type Params struct {
	TenantID  string
	ClientID  string
	Assertion string
	Scope     string
	Cloud     Cloud

	// TokenEndpoint is used verbatim when Cloud is CustomBaseURL and
	// DiscoveryIssuer is empty.
	TokenEndpoint string
	// DiscoveryIssuer, when set with Cloud == CustomBaseURL, resolves the
	// token endpoint via OIDC discovery instead of a literal URL
	// (supplemented feature, see SPEC_FULL.md §5.2 / §7.2).
	DiscoveryIssuer string
}

// Exchanger performs OAuth2 JWT-bearer exchanges against Azure AD.
type Exchanger struct {
	// HTTPClient issues the token-endpoint POST. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Now returns the current time, for expires_at computation. Defaults
	// to time.Now.
	Now func() time.Time
}

func (e *Exchanger) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

func (e *Exchanger) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Exchange performs one token exchange. See spec.md §4.1 for the full
// wire-level contract.
func (e *Exchanger) Exchange(ctx context.Context, p Params) (credential.Token, error) {
	endpoint, err := e.tokenEndpoint(ctx, p)
	if err != nil {
		return credential.Token{}, err
	}

	form := url.Values{
		"grant_type":            {grantType},
		"client_id":             {p.ClientID},
		"client_assertion_type": {assertionType},
		"client_assertion":      {p.Assertion},
		"scope":                 {p.Scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return credential.Token{}, &azerrors.NetworkError{Service: "azure_oauth2", Endpoint: endpoint, Reason: err.Error(), Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return credential.Token{}, &azerrors.NetworkError{Service: "azure_oauth2", Endpoint: endpoint, Reason: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential.Token{}, &azerrors.NetworkError{Service: "azure_oauth2", Endpoint: endpoint, Reason: err.Error(), Cause: err}
	}

	if resp.StatusCode == http.StatusOK {
		return e.parseSuccess(body)
	}
	return credential.Token{}, e.parseSTSError(body)
}

func (e *Exchanger) tokenEndpoint(ctx context.Context, p Params) (string, error) {
	if p.Cloud == "" {
		p.Cloud = defaultCloud
	}
	if p.Cloud == CustomBaseURL {
		if p.DiscoveryIssuer != "" {
			provider, err := oidc.NewProvider(ctx, p.DiscoveryIssuer)
			if err != nil {
				return "", &azerrors.NetworkError{Service: "azure_oauth2_discovery", Endpoint: p.DiscoveryIssuer, Reason: err.Error(), Cause: err}
			}
			var claims struct {
				TokenEndpoint string `json:"token_endpoint"`
			}
			if err := provider.Claims(&claims); err != nil || claims.TokenEndpoint == "" {
				return "", &azerrors.NetworkError{Service: "azure_oauth2_discovery", Endpoint: p.DiscoveryIssuer, Reason: "token_endpoint missing from discovery document"}
			}
			return claims.TokenEndpoint, nil
		}
		if p.TokenEndpoint == "" {
			return "", &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "token_endpoint"}
		}
		return p.TokenEndpoint, nil
	}
	host, ok := cloudHosts[p.Cloud]
	if !ok {
		return "", &azerrors.ConfigurationError{Type: azerrors.InvalidValue, Key: "cloud", Value: p.Cloud}
	}
	return fmt.Sprintf("https://%s/%s/oauth2/v2.0/token", host, p.TenantID), nil
}

func (e *Exchanger) parseSuccess(body []byte) (credential.Token, error) {
	accessToken := gjson.GetBytes(body, "access_token")
	if !accessToken.Exists() || accessToken.String() == "" {
		return credential.Token{}, &azerrors.InvalidTokenFormat{Token: string(body)}
	}
	expiresInResult := gjson.GetBytes(body, "expires_in")
	if !expiresInResult.Exists() {
		return credential.Token{}, &azerrors.InvalidTokenFormat{Token: string(body)}
	}

	var expiresIn any
	var seconds int64
	switch expiresInResult.Type {
	case gjson.Number:
		seconds = expiresInResult.Int()
		expiresIn = seconds
	default:
		// Non-numeric expires_in: keep the raw string verbatim in the
		// record (spec.md §9 open question) but still compute expires_at,
		// falling back to 3600s if it doesn't parse as an integer.
		raw := expiresInResult.String()
		expiresIn = raw
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			seconds = n
		} else {
			seconds = 3600
		}
	}

	tokenType := gjson.GetBytes(body, "token_type").String()
	if tokenType == "" {
		tokenType = "Bearer"
	}

	// Bridge through oauth2.Token, as described in the package doc comment:
	// it is the carrier between the wire response and credential.Token's own
	// fields.
	tok := &oauth2.Token{
		AccessToken: accessToken.String(),
		TokenType:   tokenType,
		Expiry:      e.now().Add(time.Duration(seconds) * time.Second),
	}

	return credential.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Scope:       gjson.GetBytes(body, "scope").String(),
		ExpiresAt:   tok.Expiry.Unix(),
		ExpiresIn:   expiresIn,
	}, nil
}

func (e *Exchanger) parseSTSError(body []byte) error {
	errCode := gjson.GetBytes(body, "error").String()
	description := gjson.GetBytes(body, "error_description").String()

	for _, code := range gjson.GetBytes(body, "error_codes").Array() {
		if t, ok := aadstsCodeMap[code.Int()]; ok {
			return &azerrors.AzureADSTSError{Type: t, ErrorCode: errCode, Description: description}
		}
	}

	if t, ok := aadstsStringMap[errCode]; ok {
		return &azerrors.AzureADSTSError{Type: t, ErrorCode: errCode, Description: description}
	}
	return &azerrors.AzureADSTSError{Type: azerrors.AuthenticationFailed, ErrorCode: errCode, Description: description}
}
