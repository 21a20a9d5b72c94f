package plugins

import (
	"context"
	"strings"

	"github.com/azure-corelib/azbase/credential"
	"github.com/azure-corelib/azbase/httppipeline"
)

// SasToken appends a shared-access-signature query string to every request
// URL, as used by Azure Storage's SAS authorization scheme.
type SasToken struct {
	httppipeline.Base
	SAS credential.SAS
}

// NewSasToken constructs a SasToken plugin.
func NewSasToken(sas credential.SAS) *SasToken {
	return &SasToken{Base: httppipeline.Base{PluginName: "SasToken"}, SAS: sas}
}

// OnRequest implements httppipeline.Plugin.
func (p *SasToken) OnRequest(ctx context.Context, req *httppipeline.Request) error {
	q := req.Req.URL.RawQuery
	sig := p.SAS.Signature()
	if q == "" {
		req.Req.URL.RawQuery = sig
		return nil
	}
	if strings.Contains(q, sig) {
		return nil
	}
	req.Req.URL.RawQuery = q + "&" + sig
	return nil
}
