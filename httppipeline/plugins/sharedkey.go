package plugins

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
	"github.com/azure-corelib/azbase/httppipeline"
)

// SharedKey signs requests with the Azure Storage Shared Key scheme: an
// "x-ms-date" header is stamped, a canonical string is built from the verb,
// a fixed set of content headers, the sorted "x-ms-*" headers, and the
// canonicalized resource path + sorted query parameters, and the HMAC-SHA256
// of that string (keyed by the account's base64 raw key) is attached as
// "Authorization: SharedKey <account>:<signature>".
type SharedKey struct {
	httppipeline.Base
	NamedKey credential.NamedKey
	Now      func() time.Time
}

// NewSharedKey constructs a SharedKey plugin.
func NewSharedKey(namedKey credential.NamedKey) *SharedKey {
	return &SharedKey{Base: httppipeline.Base{PluginName: "SharedKey"}, NamedKey: namedKey, Now: time.Now}
}

// OnRequest implements httppipeline.Plugin.
func (p *SharedKey) OnRequest(ctx context.Context, req *httppipeline.Request) error {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	req.Req.Header.Set("x-ms-date", now().UTC().Format(http.TimeFormat))
	if req.Req.Header.Get("x-ms-version") == "" {
		req.Req.Header.Set("x-ms-version", "2021-08-06")
	}

	raw, err := base64.StdEncoding.DecodeString(p.NamedKey.Key())
	if err != nil {
		return &azerrors.CredentialError{Type: azerrors.InvalidSignature}
	}

	stringToSign := buildStringToSign(req.Req, p.NamedKey.Name())

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Req.Header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", p.NamedKey.Name(), signature))
	return nil
}

func buildStringToSign(req *http.Request, accountName string) string {
	contentLength := req.Header.Get("Content-Length")
	if contentLength == "0" {
		contentLength = ""
	}
	parts := []string{
		req.Method,
		req.Header.Get("Content-Encoding"),
		req.Header.Get("Content-Language"),
		contentLength,
		req.Header.Get("Content-MD5"),
		req.Header.Get("Content-Type"),
		req.Header.Get("Date"),
		req.Header.Get("If-Modified-Since"),
		req.Header.Get("If-Match"),
		req.Header.Get("If-None-Match"),
		req.Header.Get("If-Unmodified-Since"),
		req.Header.Get("Range"),
		canonicalizedHeaders(req),
	}
	stringToSign := strings.Join(parts, "\n") + canonicalizedResource(req, accountName)
	return stringToSign
}

func canonicalizedHeaders(req *http.Request) string {
	var keys []string
	for k := range req.Header {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, "x-ms-") {
			keys = append(keys, lower)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := req.Header.Values(http.CanonicalHeaderKey(k))
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}
	return b.String()
}

func canonicalizedResource(req *http.Request, accountName string) string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(accountName)
	b.WriteString(req.URL.EscapedPath())

	query := req.URL.Query()
	if len(query) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(k))
		b.WriteByte(':')
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}
