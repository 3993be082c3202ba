package openid

import (
	"fmt"
	"net/url"
)

// AuthRequest describes one checkid redirect to a provider
type AuthRequest struct {
	Provider *ProviderRecord

	// AssocHandle is omitted from the redirect when empty (stateless mode)
	AssocHandle string

	ReturnURL string
	Realm     string
	Immediate bool

	Extensions []Extension
}

// Params returns the openid.* parameters of the request
func (r *AuthRequest) Params() (url.Values, error) {
	if r.ReturnURL == "" && r.Realm == "" {
		return nil, ErrNoReturnURL
	}

	params := url.Values{}
	if r.Immediate {
		params.Set("openid.mode", "checkid_immediate")
	} else {
		params.Set("openid.mode", "checkid_setup")
	}
	v2 := r.Provider.Version.IsV2()
	if v2 {
		params.Set("openid.ns", Namespace20)
	}

	// later extensions overwrite earlier ones on key collisions
	for _, ext := range r.Extensions {
		for k, v := range ext.RequestParams() {
			params.Set(k, v)
		}
	}

	if claimed := r.Provider.ClaimedIdentifier; claimed != "" {
		identity := r.Provider.LocalIdentifier
		if identity == "" {
			identity = claimed
		}
		params.Set("openid.claimed_id", claimed)
		params.Set("openid.identity", identity)
	} else {
		params.Set("openid.claimed_id", IdentifierSelect)
		params.Set("openid.identity", IdentifierSelect)
	}

	if r.AssocHandle != "" {
		params.Set("openid.assoc_handle", r.AssocHandle)
	}
	if r.ReturnURL != "" {
		params.Set("openid.return_to", r.ReturnURL)
	}
	if r.Realm != "" {
		if v2 {
			params.Set("openid.realm", r.Realm)
		} else {
			params.Set("openid.trust_root", r.Realm)
		}
	}
	return params, nil
}

// RedirectURL builds the provider URL the user agent is sent to. Query
// parameters already present on the endpoint are kept.
func (r *AuthRequest) RedirectURL() (string, error) {
	if r.Provider == nil {
		return "", fmt.Errorf("%w: no provider", ErrNoUsableProviders)
	}
	params, err := r.Params()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(r.Provider.Endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: bad endpoint %q: %v", ErrMalformedResponse, r.Provider.Endpoint, err)
	}
	query := u.Query()
	for k, vs := range params {
		query[k] = vs
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
