package tokensource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/oauth2exchange"
)

func writeTokenFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestWorkloadIdentitySource_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "federated-jwt", r.FormValue("client_assertion"))
		_, _ = w.Write([]byte(`{"access_token":"wi-tok","expires_in":3600}`))
	}))
	defer srv.Close()

	tokenFile := writeTokenFile(t, "federated-jwt\n")
	exchanger := &oauth2exchange.Exchanger{HTTPClient: srv.Client()}
	src, err := NewWorkloadIdentitySource(WorkloadIdentityConfig{
		TenantID:      "tenant-1",
		ClientID:      "client-1",
		TokenFilePath: tokenFile,
		Scope:         "https://management.azure.com/.default",
		Cloud:         oauth2exchange.CustomBaseURL,
		TokenEndpoint: srv.URL,
	}, exchanger)
	require.NoError(t, err)

	tok, err := src.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wi-tok", tok.AccessToken)
}

func TestWorkloadIdentitySource_EnvFallback(t *testing.T) {
	tokenFile := writeTokenFile(t, "jwt-from-env-file")
	t.Setenv("AZURE_TENANT_ID", "tenant-env")
	t.Setenv("AZURE_CLIENT_ID", "client-env")
	t.Setenv("AZURE_FEDERATED_TOKEN_FILE", tokenFile)

	src, err := NewWorkloadIdentitySource(WorkloadIdentityConfig{Scope: "scope"}, nil)
	require.NoError(t, err)
	require.Equal(t, "tenant-env", src.cfg.TenantID)
	require.Equal(t, "client-env", src.cfg.ClientID)
	require.Equal(t, tokenFile, src.cfg.TokenFilePath)
}

func TestWorkloadIdentitySource_ExplicitConfigWinsOverEnv(t *testing.T) {
	t.Setenv("AZURE_TENANT_ID", "tenant-env")
	tokenFile := writeTokenFile(t, "jwt")

	src, err := NewWorkloadIdentitySource(WorkloadIdentityConfig{
		TenantID:      "tenant-explicit",
		ClientID:      "client-explicit",
		TokenFilePath: tokenFile,
		Scope:         "scope",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "tenant-explicit", src.cfg.TenantID)
}

func TestWorkloadIdentitySource_TokenFileNotFound(t *testing.T) {
	src, err := NewWorkloadIdentitySource(WorkloadIdentityConfig{
		TenantID:      "t",
		ClientID:      "c",
		TokenFilePath: filepath.Join(t.TempDir(), "missing"),
		Scope:         "s",
	}, nil)
	require.NoError(t, err)

	_, err = src.GetToken(context.Background())
	require.Error(t, err)
	var miErr *azerrors.ManagedIdentityError
	require.True(t, errors.As(err, &miErr))
	require.Equal(t, azerrors.TokenFileNotFound, miErr.Type)
}

func TestWorkloadIdentitySource_MissingRequiredConfig(t *testing.T) {
	_, err := NewWorkloadIdentitySource(WorkloadIdentityConfig{}, nil)
	require.Error(t, err)
	var cfgErr *azerrors.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}
