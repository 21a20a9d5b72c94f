// Command azbase-demo wires a credential source, a credential agent, and an
// authenticated HTTP pipeline together and issues one request, to
// demonstrate configuring the library end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/azure-corelib/azbase/agent"
	"github.com/azure-corelib/azbase/federation"
	"github.com/azure-corelib/azbase/httppipeline"
	"github.com/azure-corelib/azbase/httppipeline/plugins"
	"github.com/azure-corelib/azbase/oauth2exchange"
	"github.com/azure-corelib/azbase/tokensource"
)

// demoFlags is the struct that holds the flags passed to azbase-demo.
type demoFlags struct {
	tenantID      string
	clientID      string
	scope         string
	source        string // "managed_identity", "workload_identity", or "client_assertion"
	identityPool  string
	logLevel      slog.Level
	requestURL    string
}

func parseAndValidateFlags(args []string) (demoFlags, error) {
	var (
		flags demoFlags
		errs  []error
		fs    = flag.NewFlagSet("azbase-demo", flag.ContinueOnError)
	)

	fs.StringVar(&flags.tenantID, "tenantID", "", "Azure AD tenant ID")
	fs.StringVar(&flags.clientID, "clientID", "", "Azure AD client ID (or managed identity client ID)")
	fs.StringVar(&flags.scope, "scope", "https://management.azure.com/.default", "OAuth2 scope to request")
	fs.StringVar(&flags.source, "source", "managed_identity", "token source: managed_identity, workload_identity, or client_assertion")
	fs.StringVar(&flags.identityPool, "identityPool", "", "AWS Cognito identity pool ID, for source=client_assertion")
	fs.StringVar(&flags.requestURL, "requestURL", "", "URL to call with the acquired token; skipped if empty")
	logLevelPtr := fs.String("logLevel", "info", "log level: debug, info, warn, or error")

	if err := fs.Parse(args); err != nil {
		return demoFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}
	if err := flags.logLevel.UnmarshalText([]byte(*logLevelPtr)); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmarshal log level: %w", err))
	}
	return flags, errors.Join(errs...)
}

func main() {
	flags, err := parseAndValidateFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse and validate flags: %v", err)
	}

	zapCfg := zap.NewProductionConfig()
	// slog levels are spaced 4 apart (debug=-4 ... error=8), zap's 1 apart
	// (debug=-1 ... error=2).
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(flags.logLevel / 4))
	zapLogger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	signalsChan := make(chan os.Signal, 1)
	signal.Notify(signalsChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalsChan
		cancel()
	}()

	a, err := buildAgent(ctx, flags, logger)
	if err != nil {
		log.Fatalf("failed to build credential agent: %v", err)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("failed initial token acquisition: %v", err)
	}
	status := a.Describe()
	logger.Info("acquired initial token", "name", "demo", "status", status, "statusJSON", statusJSON(status))

	if flags.requestURL == "" {
		return
	}

	client := httppipeline.NewClient(httppipeline.ClientOptions{
		BaseURL: flags.requestURL,
		Timeout: 30 * time.Second,
		Plugins: []httppipeline.Plugin{
			plugins.NewRequestId(""),
			plugins.NewBearerToken(a),
			plugins.NewRetry(plugins.RetryConfig{}),
			plugins.NewErrorHandler(),
		},
	})

	resp, err := client.Do(ctx, http.MethodGet, "", nil)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	body, _ := resp.Body()
	logger.Info("request completed", "status", resp.Resp.StatusCode, "bodyLen", len(body))
}

// statusJSON assembles an AgentStatus into JSON field by field via sjson,
// rather than round-tripping it through encoding/json, since the status is
// printed once for a human to glance at rather than decoded anywhere.
func statusJSON(status agent.AgentStatus) string {
	out := "{}"
	for _, set := range []struct {
		path  string
		value any
	}{
		{"name", status.Name},
		{"state", string(status.State)},
		{"expiresAt", status.ExpiresAt},
		{"retryCount", status.RetryCount},
	} {
		var err error
		out, err = sjson.Set(out, set.path, set.value)
		if err != nil {
			return "{}"
		}
	}
	return out
}

func buildAgent(ctx context.Context, flags demoFlags, logger logr.Logger) (*agent.Agent, error) {
	var source tokensource.Source
	var err error

	switch flags.source {
	case "workload_identity":
		source, err = tokensource.NewWorkloadIdentitySource(tokensource.WorkloadIdentityConfig{
			TenantID: flags.tenantID,
			ClientID: flags.clientID,
			Scope:    flags.scope,
		}, &oauth2exchange.Exchanger{})
	case "client_assertion":
		dispatcher := federation.NewDispatcher()
		cognito, cerr := federation.NewCognitoProviderFromEnv(ctx, federation.CognitoConfig{IdentityPoolID: flags.identityPool})
		if cerr != nil {
			return nil, cerr
		}
		dispatcher.Register(cognito)
		source, err = tokensource.NewClientAssertionSource(tokensource.ClientAssertionConfig{
			TenantID:           flags.tenantID,
			ClientID:           flags.clientID,
			Scope:              flags.scope,
			FederationProvider: cognito.Name(),
		}, dispatcher, &oauth2exchange.Exchanger{})
	default:
		source, err = tokensource.NewManagedIdentitySource(tokensource.ManagedIdentityConfig{
			ClientID: flags.clientID,
			Scope:    flags.scope,
		}, http.DefaultClient)
	}
	if err != nil {
		return nil, err
	}

	return agent.New(agent.Options{
		Source: source,
		Name:   "demo",
		Logger: logger,
	})
}
