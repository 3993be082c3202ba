package openid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// VerificationResult is the outcome of checking a provider assertion
type VerificationResult struct {
	Authenticated     bool              `json:"authenticated"`
	ClaimedIdentifier string            `json:"claimed_id,omitempty"`
	Endpoint          string            `json:"endpoint,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`

	// Reason holds the failure description when Authenticated is false
	Reason string `json:"reason,omitempty"`
}

// Verifier checks assertions against discovered provider information and
// either a stored association or the provider itself.
type Verifier struct {
	Fetcher      Fetcher
	Associations AssociationStore
	Discoveries  DiscoveryStore
	Discoverer   *Discoverer
}

func (v *Verifier) fetcher() Fetcher {
	if v.Fetcher == nil {
		return defaultFetcher
	}
	return v.Fetcher
}

func (v *Verifier) discoverer() *Discoverer {
	if v.Discoverer == nil {
		return &Discoverer{Fetcher: v.Fetcher}
	}
	return v.Discoverer
}

// Verify validates the callback parameters of an assertion. The result is
// never nil; on failure it is unauthenticated and carries the error text in
// Reason. Extensions only run on authenticated results.
func (v *Verifier) Verify(ctx context.Context, params url.Values, stateless bool, exts []Extension) (*VerificationResult, error) {
	result, err := v.verify(ctx, params, stateless)
	if err != nil {
		slog.Debug("openid assertion rejected", "claimed_id", params.Get("openid.claimed_id"), "error", err)
		return &VerificationResult{Reason: err.Error()}, err
	}
	for _, ext := range exts {
		ext.FillResult(params, result)
	}
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, params url.Values, stateless bool) (*VerificationResult, error) {
	if err := assertionError(params); err != nil {
		return nil, err
	}
	if handle := params.Get("openid.invalidate_handle"); handle != "" {
		v.invalidate(handle)
		return nil, ErrHandleInvalidated
	}

	endpoint, err := v.checkDiscovered(ctx, params)
	if err != nil {
		return nil, err
	}

	if params.Get("openid.signed") == "" || params.Get("openid.sig") == "" {
		return nil, ErrMissingSignature
	}
	if stateless {
		err = v.checkWithProvider(ctx, endpoint, params)
	} else {
		err = v.checkWithAssociation(endpoint, params)
	}
	if err != nil {
		return nil, err
	}

	return &VerificationResult{
		Authenticated:     true,
		ClaimedIdentifier: params.Get("openid.claimed_id"),
		Endpoint:          endpoint,
	}, nil
}

func assertionError(params url.Values) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: assertion request is malformed", ErrMalformedResponse)
	}
	switch params.Get("openid.mode") {
	case "error":
		return fmt.Errorf("%w: %s", ErrAssertionError, params.Get("openid.error"))
	case "cancel":
		return ErrAssertionCancelled
	}
	return nil
}

func (v *Verifier) invalidate(handle string) {
	if v.Associations == nil {
		return
	}
	if err := v.Associations.RemoveAssociation(handle); err != nil {
		slog.Warn("openid failed to remove invalidated association", "handle", handle, "error", err)
	}
}

// checkDiscovered cross-checks the assertion against the provider record of
// its claimed identifier and returns the endpoint the signature must come
// from. Assertions without a claimed identifier are not about an identity and
// skip the check.
func (v *Verifier) checkDiscovered(ctx context.Context, params url.Values) (string, error) {
	claimed := params.Get("openid.claimed_id")
	if claimed == "" {
		return params.Get("openid.op_endpoint"), nil
	}

	if v.Discoveries != nil {
		cached, err := v.Discoveries.LoadDiscovered(claimed)
		switch {
		case err == nil:
			endpoint, err := matchProvider(cached, params)
			if err == nil {
				return endpoint, nil
			}
			// the identifier may have moved providers since it was cached
			slog.Debug("openid cached provider does not match assertion, rediscovering", "claimed_id", claimed, "error", err)
			if err := v.Discoveries.RemoveDiscovered(claimed); err != nil {
				return "", fmt.Errorf("evicting discovered information: %w", err)
			}
		case !errors.Is(err, ErrNotFound):
			return "", fmt.Errorf("loading discovered information: %w", err)
		}
	}

	providers, err := v.discoverer().Discover(ctx, stripFragment(claimed))
	if err != nil {
		return "", err
	}
	if len(providers) == 0 {
		return "", fmt.Errorf("%w: no OpenID provider was discovered for %s", ErrProviderMismatch, claimed)
	}

	ns := params.Get("openid.ns")
	opEndpoint := params.Get("openid.op_endpoint")
	var chosen *ProviderRecord
	for _, p := range providers {
		if !namespaceMatches(p.Version, ns) {
			continue
		}
		if chosen == nil {
			chosen = p
		}
		if opEndpoint != "" && p.Endpoint == opEndpoint {
			chosen = p
			break
		}
	}
	if chosen == nil {
		return "", fmt.Errorf("%w: no discovered provider for %s speaks %q", ErrProviderMismatch, claimed, ns)
	}

	endpoint, err := matchProvider(chosen, params)
	if err != nil {
		return "", err
	}
	if v.Discoveries != nil {
		record := *chosen
		record.ClaimedIdentifier = claimed
		if err := v.Discoveries.SaveDiscovered(&record); err != nil {
			slog.Warn("openid failed to cache discovered provider", "claimed_id", claimed, "error", err)
		}
	}
	return endpoint, nil
}

// matchProvider compares an assertion with a provider record. OpenID 1.x
// assertions carry no op_endpoint; the record's endpoint stands in for it.
func matchProvider(p *ProviderRecord, params url.Values) (string, error) {
	if !namespaceMatches(p.Version, params.Get("openid.ns")) {
		return "", fmt.Errorf("%w: protocol version differs from discovered provider", ErrProviderMismatch)
	}
	endpoint := params.Get("openid.op_endpoint")
	if endpoint == "" && !p.Version.IsV2() {
		endpoint = p.Endpoint
	}
	if p.Endpoint != endpoint {
		return "", fmt.Errorf("%w: OpenID provider endpoint in assertion response does not match discovered OpenID provider endpoint", ErrProviderMismatch)
	}
	if p.ClaimedIdentifier != "" && stripFragment(p.ClaimedIdentifier) != stripFragment(params.Get("openid.claimed_id")) {
		return "", fmt.Errorf("%w: claimed identifier in assertion response does not match discovered claimed identifier", ErrProviderMismatch)
	}
	if p.LocalIdentifier != "" && p.LocalIdentifier != params.Get("openid.identity") {
		return "", fmt.Errorf("%w: identity in assertion response does not match discovered local identifier", ErrProviderMismatch)
	}
	return endpoint, nil
}

// namespaceMatches reports whether a response namespace belongs to version.
// 1.x responses usually omit openid.ns entirely.
func namespaceMatches(version Version, ns string) bool {
	if version.IsV2() {
		return ns == Namespace20
	}
	return ns == "" || ns == string(VersionOpenID11) || ns == string(VersionOpenID10)
}

func stripFragment(id string) string {
	before, _, _ := strings.Cut(id, "#")
	return before
}

// signedMessage rebuilds the key:value\n message over the fields named in openid.signed
func signedMessage(params url.Values) (string, error) {
	var sb strings.Builder
	for _, field := range strings.Split(params.Get("openid.signed"), ",") {
		key := "openid." + field
		if !params.Has(key) {
			return "", fmt.Errorf("%w: %s", ErrMissingSignedParameter, key)
		}
		sb.WriteString(field)
		sb.WriteByte(':')
		sb.WriteString(params.Get(key))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (v *Verifier) checkWithAssociation(endpoint string, params url.Values) error {
	handle := params.Get("openid.assoc_handle")
	if handle == "" || v.Associations == nil {
		return ErrInvalidAssociationHandle
	}
	assoc, err := v.Associations.LoadAssociation(handle)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidAssociationHandle
	} else if err != nil {
		return fmt.Errorf("loading association: %w", err)
	}
	if assoc.Endpoint != endpoint {
		return ErrAssociationEndpointMismatch
	}

	message, err := signedMessage(params)
	if err != nil {
		return err
	}
	if !verifyMAC(assoc.HashAlgorithm, assoc.Secret, message, params.Get("openid.sig")) {
		return ErrSignatureMismatch
	}
	return nil
}

// checkWithProvider asks the provider to confirm the signature with a
// check_authentication request
func (v *Verifier) checkWithProvider(ctx context.Context, endpoint string, params url.Values) error {
	if endpoint == "" {
		return fmt.Errorf("%w: no endpoint to check the assertion against", ErrProviderMismatch)
	}
	form := url.Values{}
	for k, vs := range params {
		if strings.HasPrefix(k, "openid.") && k != "openid.mode" {
			form[k] = vs
		}
	}
	form.Set("openid.mode", "check_authentication")

	resp, err := v.fetcher().Post(ctx, endpoint, form)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: invalid assertion response from provider (HTTP %d)", ErrProviderError, resp.StatusCode)
	}
	reply := ParseKeyValue(resp.Body)
	if handle := reply["invalidate_handle"]; handle != "" {
		v.invalidate(handle)
	}
	if reply["is_valid"] != "true" {
		return ErrSignatureMismatch
	}
	return nil
}
