// Package federation obtains external assertions from federated-identity
// providers (presently AWS Cognito Identity) for use as the client_assertion
// of an oauth2exchange.Exchange call. Providers are registered in a
// Dispatcher by name, mirroring the rotators/tokenprovider registration
// pattern used elsewhere in the stack.
package federation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/azure-corelib/azbase/azerrors"
)

// Provider fetches one external assertion for the given login map.
type Provider interface {
	// Name identifies the provider, e.g. "aws_cognito".
	Name() string
	// Fetch returns an assertion token usable as an OAuth2 client_assertion.
	Fetch(ctx context.Context, logins map[string]string) (string, error)
}

// Dispatcher routes Dispatch calls to a registered Provider by name.
type Dispatcher struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider under its own Name().
func (d *Dispatcher) Register(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = p
}

// Dispatch fetches an assertion from the named provider.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, logins map[string]string) (string, error) {
	d.mu.RLock()
	p, ok := d.providers[name]
	d.mu.RUnlock()
	if !ok {
		return "", &azerrors.FederationError{Type: azerrors.UnknownProvider, Provider: name, Reason: "no provider registered under this name"}
	}
	token, err := p.Fetch(ctx, logins)
	if err != nil {
		return "", &azerrors.FederationError{Type: azerrors.TokenFetchFailed, Provider: name, Reason: err.Error(), Cause: err}
	}
	return token, nil
}

// ParseLogins parses a comma-separated "provider=token,provider2=token2"
// login string into a map. Entries are trimmed; malformed entries (no "="
// or an empty key) are silently dropped rather than rejected, matching the
// lenient round-trip contract: ParseLogins("") == map[string]string{}.
func ParseLogins(s string) map[string]string {
	logins := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return logins
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" {
			continue
		}
		logins[key] = value
	}
	return logins
}

// FormatLogins is the inverse of ParseLogins, producing a stable,
// lexicographically-sorted "k=v,k2=v2" rendering.
func FormatLogins(logins map[string]string) string {
	if len(logins) == 0 {
		return ""
	}
	keys := make([]string, 0, len(logins))
	for k := range logins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, logins[k]))
	}
	return strings.Join(parts, ",")
}
