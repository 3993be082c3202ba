package openid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// RelyingParty ties discovery, association and verification together behind
// one configured object.
type RelyingParty struct {
	// Where providers send the user back to. Defaults to $OPENID_RETURN_URL.
	ReturnURL string

	// The realm (trust root) the user is asked to trust. Defaults to $OPENID_REALM.
	Realm string

	// Stateless skips associations and verifies each assertion with the provider
	Stateless bool

	// Strict refuses unencrypted associations over plain http
	Strict bool

	Extensions []Extension

	// Must be passed in
	Associations AssociationStore
	Discoveries  DiscoveryStore

	Fetcher  Fetcher
	XRIProxy string
}

func New(returnURL, realm string, stateless, strict bool, extensions ...Extension) *RelyingParty {
	rp := &RelyingParty{
		ReturnURL:  returnURL,
		Realm:      realm,
		Stateless:  stateless,
		Strict:     strict,
		Extensions: extensions,
	}
	return rp.EnsureDefaults()
}

// EnsureDefaults fills unset fields from the environment. Call it once while
// configuring; the request methods only read the fields.
func (rp *RelyingParty) EnsureDefaults() *RelyingParty {
	if rp.ReturnURL == "" {
		rp.ReturnURL = strings.TrimSpace(os.Getenv("OPENID_RETURN_URL"))
	}
	if rp.Realm == "" {
		rp.Realm = strings.TrimSpace(os.Getenv("OPENID_REALM"))
	}
	if rp.Fetcher == nil {
		rp.Fetcher = NewHTTPFetcher()
	}
	return rp
}

// components are built per call from the exported fields
func (rp *RelyingParty) discoverer() *Discoverer {
	return &Discoverer{Fetcher: rp.Fetcher, XRIProxy: rp.XRIProxy}
}

func (rp *RelyingParty) negotiator() *Negotiator {
	return &Negotiator{Fetcher: rp.Fetcher, Store: rp.Associations, Strict: rp.Strict}
}

func (rp *RelyingParty) verifier() *Verifier {
	return &Verifier{
		Fetcher:      rp.Fetcher,
		Associations: rp.Associations,
		Discoveries:  rp.Discoveries,
		Discoverer:   rp.discoverer(),
	}
}

// Discover returns the candidate providers for identifier
func (rp *RelyingParty) Discover(ctx context.Context, identifier string) ([]*ProviderRecord, error) {
	return rp.discoverer().Discover(ctx, identifier)
}

// Associate negotiates a new association with provider
func (rp *RelyingParty) Associate(ctx context.Context, provider *ProviderRecord) (*Association, error) {
	return rp.negotiator().Associate(ctx, provider, "")
}

// Authenticate discovers identifier and returns the URL to send the user to,
// using the configured ReturnURL.
func (rp *RelyingParty) Authenticate(ctx context.Context, identifier string, immediate bool) (string, error) {
	return rp.AuthenticateTo(ctx, identifier, rp.ReturnURL, immediate)
}

// AuthenticateTo is Authenticate with a per-request return URL. Candidates
// that cannot be associated with are skipped.
func (rp *RelyingParty) AuthenticateTo(ctx context.Context, identifier, returnURL string, immediate bool) (string, error) {
	providers, err := rp.discoverer().Discover(ctx, identifier)
	if err != nil {
		return "", err
	}
	if len(providers) == 0 {
		return "", ErrNoProviders
	}

	for _, provider := range providers {
		req := &AuthRequest{
			Provider:   provider,
			ReturnURL:  returnURL,
			Realm:      rp.Realm,
			Immediate:  immediate,
			Extensions: rp.Extensions,
		}
		if !rp.Stateless {
			assoc, err := rp.negotiator().Associate(ctx, provider, "")
			if err != nil {
				slog.Warn("openid association failed, trying next provider", "endpoint", provider.Endpoint, "error", err)
				continue
			}
			req.AssocHandle = assoc.Handle
		}

		redirect, err := req.RedirectURL()
		if errors.Is(err, ErrNoReturnURL) {
			return "", err
		} else if err != nil {
			slog.Warn("openid could not build redirect, trying next provider", "endpoint", provider.Endpoint, "error", err)
			continue
		}

		if provider.ClaimedIdentifier != "" && rp.Discoveries != nil {
			if err := rp.Discoveries.SaveDiscovered(provider); err != nil {
				return "", fmt.Errorf("saving discovered information: %w", err)
			}
		}
		return redirect, nil
	}
	return "", ErrNoUsableProviders
}

// VerifyAssertion checks the assertion carried in the query of rawURL
func (rp *RelyingParty) VerifyAssertion(ctx context.Context, rawURL string) (*VerificationResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		err = fmt.Errorf("%w: unparseable assertion URL: %v", ErrMalformedResponse, err)
		return &VerificationResult{Reason: err.Error()}, err
	}
	return rp.VerifyParams(ctx, u.Query())
}

// VerifyRequest checks the assertion of a callback request. POSTed
// assertions are read from the form body as well as the query.
func (rp *RelyingParty) VerifyRequest(ctx context.Context, r *http.Request) (*VerificationResult, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
			return &VerificationResult{Reason: err.Error()}, err
		}
		return rp.VerifyParams(ctx, r.Form)
	}
	return rp.VerifyParams(ctx, r.URL.Query())
}

// VerifyParams checks already parsed callback parameters
func (rp *RelyingParty) VerifyParams(ctx context.Context, params url.Values) (*VerificationResult, error) {
	// cancel and error replies are reported as such before any return_to checks
	if assertionError(params) == nil {
		if err := checkReturnTo(rp.ReturnURL, params); err != nil {
			return &VerificationResult{Reason: err.Error()}, err
		}
	}
	return rp.verifier().Verify(ctx, params, rp.Stateless, rp.Extensions)
}

// checkReturnTo requires openid.return_to to point at the configured return
// URL and every query parameter it carries to be present unchanged in the
// callback.
func checkReturnTo(configured string, params url.Values) error {
	if configured == "" {
		return nil
	}
	expected, err := url.Parse(configured)
	if err != nil {
		return fmt.Errorf("%w: bad configured return URL: %v", ErrReturnToMismatch, err)
	}
	got, err := url.Parse(params.Get("openid.return_to"))
	if err != nil || params.Get("openid.return_to") == "" {
		return ErrReturnToMismatch
	}
	if !strings.EqualFold(expected.Scheme, got.Scheme) ||
		!strings.EqualFold(expected.Host, got.Host) ||
		expected.EscapedPath() != got.EscapedPath() {
		return fmt.Errorf("%w: %s", ErrReturnToMismatch, got.Redacted())
	}
	for k, vs := range got.Query() {
		if params.Get(k) != vs[0] {
			return fmt.Errorf("%w: parameter %q differs", ErrReturnToMismatch, k)
		}
	}
	return nil
}
