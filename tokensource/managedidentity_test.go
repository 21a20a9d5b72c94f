package tokensource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/azure-corelib/azbase/azerrors"
)

func newTestManagedIdentitySource(t *testing.T, srv *httptest.Server, cfg ManagedIdentityConfig) *ManagedIdentitySource {
	t.Helper()
	src, err := NewManagedIdentitySource(cfg, srv.Client())
	require.NoError(t, err)
	src.imdsURL = srv.URL
	src.sleep = func(time.Duration) {}
	src.now = func() time.Time { return time.Unix(1000, 0) }
	return src
}

func TestManagedIdentitySource_IMDS_SuccessFirstTry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "true", r.Header.Get("Metadata"))
		require.Equal(t, "https://management.azure.com/", r.URL.Query().Get("resource"))
		_, _ = w.Write([]byte(`{"access_token":"imds-tok","expires_on":"1500"}`))
	}))
	defer srv.Close()

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/"})
	tok, err := src.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "imds-tok", tok.AccessToken)
	require.EqualValues(t, 1500, tok.ExpiresAt)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestManagedIdentitySource_IMDS_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"imds-tok","expires_on":"2000"}`))
	}))
	defer srv.Close()

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/"})
	tok, err := src.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "imds-tok", tok.AccessToken)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestManagedIdentitySource_IMDS_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/"})
	_, err := src.GetToken(context.Background())
	require.Error(t, err)
	var miErr *azerrors.ManagedIdentityError
	require.True(t, errors.As(err, &miErr))
	require.Equal(t, azerrors.IMDSUnavailable, miErr.Type)
	require.EqualValues(t, imdsMaxAttempts, atomic.LoadInt32(&calls))
}

func TestManagedIdentitySource_IMDS_IdentityNotFoundDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/", ClientID: "bad-client"})
	_, err := src.GetToken(context.Background())
	require.Error(t, err)
	var miErr *azerrors.ManagedIdentityError
	require.True(t, errors.As(err, &miErr))
	require.Equal(t, azerrors.IdentityNotFound, miErr.Type)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestManagedIdentitySource_IMDS_ObjectIDSentWhenSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "obj-123", r.URL.Query().Get("object_id"))
		require.Empty(t, r.URL.Query().Get("client_id"))
		require.Empty(t, r.URL.Query().Get("mi_res_id"))
		_, _ = w.Write([]byte(`{"access_token":"imds-tok","expires_on":"1500"}`))
	}))
	defer srv.Close()

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/", ObjectID: "obj-123"})
	_, err := src.GetToken(context.Background())
	require.NoError(t, err)
}

func TestManagedIdentitySource_IMDS_FailsFastOnNonRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request","error_description":"bad client_id"}`))
	}))
	defer srv.Close()

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/"})
	_, err := src.GetToken(context.Background())
	require.Error(t, err)
	var miErr *azerrors.ManagedIdentityError
	require.True(t, errors.As(err, &miErr))
	require.Equal(t, azerrors.ProviderError, miErr.Type)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestNewManagedIdentitySource_RejectsMultipleSelectors(t *testing.T) {
	_, err := NewManagedIdentitySource(ManagedIdentityConfig{Scope: "s", ClientID: "a", ObjectID: "b"}, nil)
	require.Error(t, err)
	var cfgErr *azerrors.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestManagedIdentitySource_AppService_NetworkErrorOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Setenv("IDENTITY_ENDPOINT", srv.URL)
	t.Setenv("IDENTITY_HEADER", "h")
	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/", Provider: AppService})
	srv.Close() // close before the request so the client call fails at the transport level

	_, err := src.GetToken(context.Background())
	require.Error(t, err)
	var netErr *azerrors.NetworkError
	require.True(t, errors.As(err, &netErr))
	require.Equal(t, "azure_app_service_identity", netErr.Service)
}

func TestManagedIdentitySource_AppService_NoRetryOnFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "secret-value", r.Header.Get("X-IDENTITY-HEADER"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Setenv("IDENTITY_ENDPOINT", srv.URL)
	t.Setenv("IDENTITY_HEADER", "secret-value")

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/", Provider: AppService})
	_, err := src.GetToken(context.Background())
	require.Error(t, err)
	var miErr *azerrors.ManagedIdentityError
	require.True(t, errors.As(err, &miErr))
	require.Equal(t, azerrors.ProviderError, miErr.Type)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestManagedIdentitySource_AppService_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"app-svc-tok","expires_on":1999,"resource":"https://vault.azure.net"}`))
	}))
	defer srv.Close()

	t.Setenv("MSI_ENDPOINT", srv.URL)
	t.Setenv("MSI_SECRET", "classic-secret")
	os.Unsetenv("IDENTITY_ENDPOINT")

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://vault.azure.net", Provider: AppService})
	tok, err := src.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "app-svc-tok", tok.AccessToken)
	require.Equal(t, "https://vault.azure.net", tok.Scope)
}

func TestManagedIdentitySource_AutoDetectsAppServiceFromEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"auto-tok","expires_on":2000}`))
	}))
	defer srv.Close()

	t.Setenv("IDENTITY_ENDPOINT", srv.URL)
	t.Setenv("IDENTITY_HEADER", "h")

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/"})
	provider, err := src.detectProvider()
	require.NoError(t, err)
	require.Equal(t, AppService, provider)
}

func TestManagedIdentitySource_AutoCrossesOverToWorkloadIdentityGuidance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should not have been called")
	}))
	defer srv.Close()

	os.Unsetenv("IDENTITY_ENDPOINT")
	os.Unsetenv("MSI_ENDPOINT")
	t.Setenv("AZURE_FEDERATED_TOKEN_FILE", "/var/run/secrets/azure/tokens/azure-identity-token")

	src := newTestManagedIdentitySource(t, srv, ManagedIdentityConfig{Scope: "https://management.azure.com/"})
	_, err := src.GetToken(context.Background())
	require.Error(t, err)
	var miErr *azerrors.ManagedIdentityError
	require.True(t, errors.As(err, &miErr))
	require.Equal(t, azerrors.ProviderError, miErr.Type)
	require.Equal(t, "use WorkloadIdentity token source", miErr.Reason)
}

func TestNewManagedIdentitySource_Validation(t *testing.T) {
	_, err := NewManagedIdentitySource(ManagedIdentityConfig{}, nil)
	require.Error(t, err)

	_, err = NewManagedIdentitySource(ManagedIdentityConfig{Scope: "s", ClientID: "a", ResourceID: "b"}, nil)
	require.Error(t, err)
	var cfgErr *azerrors.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}
