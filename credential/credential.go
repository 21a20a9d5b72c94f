// Package credential holds the immutable value types exchanged between
// token sources, the credential agent, and the HTTP pipeline: the token
// record itself, plus the static (non-token) credential values accepted by
// the ApiKey, SasToken, and SharedKey plugins.
package credential

import (
	"strings"

	"github.com/azure-corelib/azbase/azerrors"
)

// Token is an immutable record of one acquired access token. ExpiresAt is
// authoritative; ExpiresIn is carried through for informational purposes
// only and may be a string when the issuing service returns one verbatim
// (see oauth2exchange's handling of non-numeric expires_in values).
type Token struct {
	AccessToken string
	TokenType   string
	Scope       string
	ExpiresAt   int64
	ExpiresIn   any
}

// Valid reports whether the record satisfies the data-model invariants:
// a non-empty access token and a non-negative absolute expiry.
func (t Token) Valid() bool {
	return t.AccessToken != "" && t.ExpiresAt >= 0
}

// APIKey is an opaque API key credential, e.g. for Azure Cognitive
// Services or other key-header-authenticated backends.
type APIKey struct {
	key string
}

// NewAPIKey constructs an APIKey. The key must be non-empty.
func NewAPIKey(key string) (APIKey, error) {
	if key == "" {
		return APIKey{}, &azerrors.CredentialError{Type: azerrors.InvalidKey}
	}
	return APIKey{key: key}, nil
}

// Key returns the underlying key value.
func (a APIKey) Key() string { return a.key }

// Update returns a new APIKey with the given key, leaving a unmodified.
func (a APIKey) Update(key string) (APIKey, error) { return NewAPIKey(key) }

// SAS is a shared-access-signature credential. The signature is stored
// without a leading "?" regardless of how it was supplied.
type SAS struct {
	signature string
}

// NewSAS constructs a SAS, trimming a leading "?" and surrounding
// whitespace so that NewSAS("?s") == NewSAS("s") == NewSAS("  s  ").
func NewSAS(signature string) (SAS, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(signature), "?")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return SAS{}, &azerrors.CredentialError{Type: azerrors.InvalidSignature}
	}
	return SAS{signature: trimmed}, nil
}

// Signature returns the normalized signature (no leading "?").
func (s SAS) Signature() string { return s.signature }

// Update returns a new SAS with the given signature, leaving s unmodified.
func (s SAS) Update(signature string) (SAS, error) { return NewSAS(signature) }

// NamedKey pairs a storage account (or similar) name with a base64-encoded
// raw key, as used by the SharedKey plugin's NamedKeyCredential option.
type NamedKey struct {
	name string
	key  string
}

// NewNamedKey constructs a NamedKey. Both name and key (expected to be
// base64-encoded raw bytes) must be non-empty and key may contain only
// base64 alphabet characters; whether it actually decodes is not checked
// here.
func NewNamedKey(name, key string) (NamedKey, error) {
	if name == "" || key == "" {
		return NamedKey{}, &azerrors.CredentialError{Type: azerrors.InvalidNamedKey}
	}
	if !isValidBase64(key) {
		return NamedKey{}, &azerrors.CredentialError{Type: azerrors.InvalidNamedKey}
	}
	return NamedKey{name: name, key: key}, nil
}

// Name returns the account/credential name.
func (n NamedKey) Name() string { return n.name }

// Key returns the base64-encoded raw key.
func (n NamedKey) Key() string { return n.key }

// Update returns a new NamedKey with the given name and key.
func (n NamedKey) Update(name, key string) (NamedKey, error) { return NewNamedKey(name, key) }

func isValidBase64(s string) bool {
	// A cheap alphabet-only check (no length or padding check) without pulling in
	// encoding/base64 here just to validate; the SharedKey plugin performs
	// the actual decode and surfaces CredentialError{invalid_signature} if
	// that fails, so this only rejects the obviously malformed case of
	// values containing characters that can never appear in base64.
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '=':
		default:
			return false
		}
	}
	return true
}
