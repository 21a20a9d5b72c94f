package tokensource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
)

const (
	imdsEndpoint        = "http://169.254.169.254/metadata/identity/oauth2/token"
	imdsAPIVersion      = "2019-08-01"
	imdsMaxAttempts     = 5
	imdsBaseBackoff     = 500 * time.Millisecond
	imdsMaxBackoff      = 5 * time.Second
	envMSIEndpoint      = "MSI_ENDPOINT"
	envMSISecret        = "MSI_SECRET"
	envIdentityEndpoint = "IDENTITY_ENDPOINT"
	envIdentityHeader   = "IDENTITY_HEADER"
)

// ManagedIdentityProviderKind selects which managed-identity endpoint a
// ManagedIdentitySource talks to.
type ManagedIdentityProviderKind string

const (
	// Auto detects the environment: App Service if its environment
	// variables are present, a guiding ProviderError if only the
	// workload-identity token file variable is set, IMDS otherwise.
	Auto       ManagedIdentityProviderKind = "auto"
	IMDS       ManagedIdentityProviderKind = "imds"
	AppService ManagedIdentityProviderKind = "app_service"
)

// ManagedIdentityConfig configures a ManagedIdentitySource.
type ManagedIdentityConfig struct {
	// ClientID selects a user-assigned identity; empty selects the
	// system-assigned identity. At most one of ClientID/ObjectID/ResourceID
	// may be set; when present, they are sent in that precedence order.
	ClientID string
	// ObjectID selects a user-assigned identity by its Azure AD object ID.
	ObjectID string
	// ResourceID, if set, selects a user-assigned identity by ARM resource
	// ID instead of client ID or object ID.
	ResourceID string
	Scope      string
	Provider   ManagedIdentityProviderKind
}

// ManagedIdentitySource implements Source against either IMDS or the
// App Service managed-identity endpoint, auto-detecting which is present
// unless Provider pins one explicitly. It never falls back to workload
// identity: a caller on AKS without a managed identity must configure
// WorkloadIdentitySource explicitly instead.
type ManagedIdentitySource struct {
	cfg        ManagedIdentityConfig
	httpClient *http.Client
	now        func() time.Time
	sleep      func(time.Duration)
	imdsURL    string
}

// NewManagedIdentitySource validates cfg and constructs a ManagedIdentitySource.
func NewManagedIdentitySource(cfg ManagedIdentityConfig, httpClient *http.Client) (*ManagedIdentitySource, error) {
	selectors := 0
	for _, v := range []string{cfg.ClientID, cfg.ObjectID, cfg.ResourceID} {
		if v != "" {
			selectors++
		}
	}
	if selectors > 1 {
		return nil, &azerrors.ConfigurationError{Type: azerrors.InvalidOption, Key: "client_id/object_id/resource_id", Value: "only one may be set"}
	}
	if cfg.Scope == "" {
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "scope"}
	}
	if cfg.Provider == "" {
		cfg.Provider = Auto
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ManagedIdentitySource{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
		sleep:      time.Sleep,
		imdsURL:    imdsEndpoint,
	}, nil
}

// GetToken implements Source.
func (s *ManagedIdentitySource) GetToken(ctx context.Context) (credential.Token, error) {
	provider, err := s.detectProvider()
	if err != nil {
		return credential.Token{}, err
	}
	switch provider {
	case AppService:
		return s.fetchAppService(ctx)
	default:
		return s.fetchIMDS(ctx)
	}
}

// detectProvider resolves which managed-identity endpoint to use under
// Auto. App-Service env vars win if present; otherwise, Workload-Identity
// env vars being set means there is no managed identity to talk to at all,
// and it returns a guiding error rather than silently falling over to IMDS.
func (s *ManagedIdentitySource) detectProvider() (ManagedIdentityProviderKind, error) {
	if s.cfg.Provider != Auto {
		return s.cfg.Provider, nil
	}
	if os.Getenv(envIdentityEndpoint) != "" || os.Getenv(envMSIEndpoint) != "" {
		return AppService, nil
	}
	if os.Getenv(envTokenFile) != "" {
		return "", &azerrors.ManagedIdentityError{
			Type:     azerrors.ProviderError,
			Provider: "auto",
			Reason:   "use WorkloadIdentity token source",
		}
	}
	return IMDS, nil
}

func (s *ManagedIdentitySource) fetchIMDS(ctx context.Context) (credential.Token, error) {
	q := url.Values{
		"api-version": {imdsAPIVersion},
		"resource":    {s.cfg.Scope},
	}
	switch {
	case s.cfg.ClientID != "":
		q.Set("client_id", s.cfg.ClientID)
	case s.cfg.ObjectID != "":
		q.Set("object_id", s.cfg.ObjectID)
	case s.cfg.ResourceID != "":
		q.Set("mi_res_id", s.cfg.ResourceID)
	}
	endpoint := s.imdsURL + "?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt < imdsMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.IMDSUnavailable, Provider: "imds", Reason: err.Error(), Cause: err}
		}
		req.Header.Set("Metadata", "true")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = &azerrors.ManagedIdentityError{Type: azerrors.IMDSUnavailable, Provider: "imds", Reason: err.Error(), Cause: err}
			s.sleep(s.backoffDelay(attempt))
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &azerrors.ManagedIdentityError{Type: azerrors.IMDSUnavailable, Provider: "imds", Reason: readErr.Error(), Cause: readErr}
			s.sleep(s.backoffDelay(attempt))
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return parseManagedIdentityResponse(body, s.cfg.Scope, s.now())
		case http.StatusNotFound:
			return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.IdentityNotFound, Provider: "imds", Status: resp.StatusCode, Reason: string(body)}
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			lastErr = &azerrors.ManagedIdentityError{Type: azerrors.IMDSUnavailable, Provider: "imds", Status: resp.StatusCode, Reason: string(body)}
			if delay, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				s.sleep(delay)
			} else {
				s.sleep(s.backoffDelay(attempt))
			}
		default:
			// Any other 4xx/5xx means the request itself is wrong (bad
			// client_id/object_id/mi_res_id, malformed request, etc.); no
			// amount of retrying will fix that.
			return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.ProviderError, Provider: "imds", Status: resp.StatusCode, Reason: string(body)}
		}
	}
	return credential.Token{}, lastErr
}

// backoffDelay returns the exponential backoff for the attempt that just
// failed (0-based): min(500ms * 2^attempt, 5s).
func (s *ManagedIdentitySource) backoffDelay(attempt int) time.Duration {
	delay := imdsBaseBackoff * time.Duration(1<<uint(attempt))
	if delay > imdsMaxBackoff {
		delay = imdsMaxBackoff
	}
	return delay
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func (s *ManagedIdentitySource) fetchAppService(ctx context.Context) (credential.Token, error) {
	endpoint := os.Getenv(envIdentityEndpoint)
	header := os.Getenv(envIdentityHeader)
	headerName := "X-IDENTITY-HEADER"
	if endpoint == "" {
		endpoint = os.Getenv(envMSIEndpoint)
		header = os.Getenv(envMSISecret)
		headerName = "Secret"
	}
	if endpoint == "" {
		return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.EnvironmentNotDetected, Provider: "app_service", Reason: "no App Service identity endpoint environment variable set"}
	}

	q := url.Values{
		"api-version": {"2019-08-01"},
		"resource":    {s.cfg.Scope},
	}
	if s.cfg.ClientID != "" {
		q.Set("client_id", s.cfg.ClientID)
	}
	if s.cfg.ResourceID != "" {
		q.Set("mi_res_id", s.cfg.ResourceID)
	}

	fullURL := endpoint
	if strings.Contains(endpoint, "?") {
		fullURL += "&" + q.Encode()
	} else {
		fullURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.ProviderError, Provider: "app_service", Reason: err.Error(), Cause: err}
	}
	if header != "" {
		req.Header.Set(headerName, header)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return credential.Token{}, &azerrors.NetworkError{Service: "azure_app_service_identity", Endpoint: endpoint, Reason: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential.Token{}, &azerrors.NetworkError{Service: "azure_app_service_identity", Endpoint: endpoint, Reason: err.Error(), Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.ProviderError, Provider: "app_service", Status: resp.StatusCode, Reason: string(body)}
	}
	return parseManagedIdentityResponse(body, s.cfg.Scope, s.now())
}

// parseManagedIdentityResponse normalizes the two response shapes returned
// by IMDS and the App Service identity endpoint: both carry access_token
// and expires_on (seconds-since-epoch, sometimes a string), and the App
// Service endpoint uses "resource" in place of "scope".
func parseManagedIdentityResponse(body []byte, requestedScope string, now time.Time) (credential.Token, error) {
	accessToken := gjson.GetBytes(body, "access_token")
	if !accessToken.Exists() || accessToken.String() == "" {
		return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.InvalidResponse, Reason: "missing access_token"}
	}

	var expiresAt int64
	if expiresOn := gjson.GetBytes(body, "expires_on"); expiresOn.Exists() {
		switch expiresOn.Type {
		case gjson.Number:
			expiresAt = expiresOn.Int()
		default:
			if n, err := strconv.ParseInt(strings.TrimSpace(expiresOn.String()), 10, 64); err == nil {
				expiresAt = n
			} else {
				return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.InvalidResponse, Reason: fmt.Sprintf("unparseable expires_on: %s", expiresOn.String())}
			}
		}
	} else if expiresIn := gjson.GetBytes(body, "expires_in"); expiresIn.Exists() {
		expiresAt = now.Unix() + expiresIn.Int()
	} else {
		return credential.Token{}, &azerrors.ManagedIdentityError{Type: azerrors.InvalidResponse, Reason: "missing expires_on/expires_in"}
	}

	scope := gjson.GetBytes(body, "resource").String()
	if scope == "" {
		scope = requestedScope
	}

	return credential.Token{
		AccessToken: accessToken.String(),
		TokenType:   "Bearer",
		Scope:       scope,
		ExpiresAt:   expiresAt,
		ExpiresIn:   nil,
	}, nil
}
