package openid

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Algorithm is an association session/assoc type pairing
type Algorithm string

const (
	AlgorithmDHSHA256        Algorithm = "DH-SHA256"
	AlgorithmDHSHA1          Algorithm = "DH-SHA1"
	AlgorithmNoEncryption256 Algorithm = "no-encryption-256"
	AlgorithmNoEncryption    Algorithm = "no-encryption"
)

const errorCodeUnsupportedType = "unsupported-type"

// FallbackOrder is tried from the starting algorithm onwards until a provider accepts one
var FallbackOrder = []Algorithm{
	AlgorithmDHSHA256,
	AlgorithmDHSHA1,
	AlgorithmNoEncryption256,
	AlgorithmNoEncryption,
}

func (a Algorithm) isDH() bool {
	return strings.HasPrefix(string(a), "DH-")
}

func (a Algorithm) hash() HashAlgorithm {
	if strings.Contains(string(a), "256") {
		return SHA256
	}
	return SHA1
}

// exponentBits is the private exponent size for the DH variants
func (a Algorithm) exponentBits() int {
	if a.hash() == SHA256 {
		return 256
	}
	return 160
}

// Negotiator establishes associations with providers and saves them into Store
type Negotiator struct {
	Fetcher Fetcher
	Store   AssociationStore

	// Strict refuses unencrypted sessions over plain http
	Strict bool

	// Rand is the entropy source for DH exponents. Defaults to crypto/rand.
	Rand io.Reader
}

func (n *Negotiator) fetcher() Fetcher {
	if n.Fetcher == nil {
		return defaultFetcher
	}
	return n.Fetcher
}

func (n *Negotiator) random() io.Reader {
	if n.Rand == nil {
		return rand.Reader
	}
	return n.Rand
}

// Associate negotiates a shared secret with the provider, starting at start
// (DH-SHA256 if empty) and falling back through FallbackOrder while the provider
// reports the type as unsupported.
func (n *Negotiator) Associate(ctx context.Context, provider *ProviderRecord, start Algorithm) (*Association, error) {
	if start == "" {
		start = AlgorithmDHSHA256
	}
	idx := slices.Index(FallbackOrder, start)
	if idx < 0 {
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrNegotiationUnsupported, start)
	}

	for _, alg := range FallbackOrder[idx:] {
		if !alg.isDH() && n.Strict && !isSecureEndpoint(provider.Endpoint) {
			return nil, fmt.Errorf("%w: channel is insecure and no encryption method is supported by provider", ErrNegotiationUnsupported)
		}
		assoc, unsupported, err := n.attempt(ctx, provider, alg)
		if err != nil {
			return nil, err
		}
		if unsupported {
			slog.Debug("openid association type rejected, falling back", "endpoint", provider.Endpoint, "algorithm", alg)
			continue
		}
		return assoc, nil
	}
	return nil, fmt.Errorf("%w: %s rejected every association type", ErrNegotiationUnsupported, provider.Endpoint)
}

// attempt runs one associate request. unsupported is true when the provider
// asks for a different type.
func (n *Negotiator) attempt(ctx context.Context, provider *ProviderRecord, alg Algorithm) (assoc *Association, unsupported bool, err error) {
	params := associationParams(provider.Version, alg)

	var dh *dhParams
	if alg.isDH() {
		if dh, err = newDHParams(n.random(), alg.exponentBits()); err != nil {
			return nil, false, err
		}
		params.Set("openid.dh_modulus", encodeBigInt(dh.modulus))
		params.Set("openid.dh_gen", encodeBigInt(dh.generator))
		params.Set("openid.dh_consumer_public", encodeBigInt(dh.public))
	}

	resp, err := n.fetcher().Post(ctx, provider.Endpoint, params)
	if err != nil {
		return nil, false, err
	}
	// direct error responses come back as 400 with a key-value body
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return nil, false, fmt.Errorf("%w: association request returned HTTP %d", ErrTransport, resp.StatusCode)
	}

	reply := ParseKeyValue(resp.Body)
	if reply["error_code"] == errorCodeUnsupportedType || (provider.Version.IsV2() && reply["ns"] == "") {
		return nil, true, nil
	}
	if reply["error"] != "" {
		return nil, false, fmt.Errorf("%w: %s", ErrProviderError, reply["error"])
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: association request returned HTTP %d", ErrProviderError, resp.StatusCode)
	}

	assoc, err = buildAssociation(provider, alg, params.Get("openid.assoc_type"), dh, reply)
	if err != nil {
		return nil, false, err
	}
	if n.Store != nil {
		if err := n.Store.SaveAssociation(assoc); err != nil {
			return nil, false, fmt.Errorf("saving association: %w", err)
		}
	}
	return assoc, false, nil
}

func buildAssociation(provider *ProviderRecord, alg Algorithm, requestedType string, dh *dhParams, reply map[string]string) (*Association, error) {
	handle := reply["assoc_handle"]
	if handle == "" {
		return nil, fmt.Errorf("%w: missing assoc_handle", ErrMalformedResponse)
	}
	expiresIn, err := strconv.Atoi(strings.TrimSpace(reply["expires_in"]))
	if err != nil || expiresIn < 0 {
		return nil, fmt.Errorf("%w: invalid expires_in %q", ErrMalformedResponse, reply["expires_in"])
	}

	hashAlg, ok := hashForAssocType(reply["assoc_type"])
	if !ok {
		if hashAlg, ok = hashForAssocType(requestedType); !ok {
			hashAlg = alg.hash()
		}
	}

	var secret []byte
	switch {
	case dh != nil && reply["enc_mac_key"] != "":
		serverPublic, err := decodeBigInt(reply["dh_server_public"])
		if err != nil {
			return nil, err
		}
		encMacKey, err := base64.StdEncoding.DecodeString(reply["enc_mac_key"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad enc_mac_key: %v", ErrMalformedResponse, err)
		}
		if secret, err = dh.decryptMacKey(alg.hash(), serverPublic, encMacKey); err != nil {
			return nil, err
		}
	case reply["mac_key"] != "":
		if secret, err = base64.StdEncoding.DecodeString(reply["mac_key"]); err != nil {
			return nil, fmt.Errorf("%w: bad mac_key: %v", ErrMalformedResponse, err)
		}
	default:
		return nil, fmt.Errorf("%w: no MAC key in association response", ErrMalformedResponse)
	}

	return &Association{
		Handle:        handle,
		Endpoint:      provider.Endpoint,
		HashAlgorithm: hashAlg,
		Secret:        secret,
		ExpiresAt:     time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// associationParams builds the associate request for the provider's protocol version
func associationParams(version Version, alg Algorithm) url.Values {
	params := url.Values{}
	params.Set("openid.mode", "associate")
	v2 := version.IsV2()
	if v2 {
		params.Set("openid.ns", Namespace20)
	}

	switch alg {
	case AlgorithmDHSHA1:
		params.Set("openid.assoc_type", "HMAC-SHA1")
		params.Set("openid.session_type", "DH-SHA1")
	case AlgorithmNoEncryption256:
		if v2 {
			params.Set("openid.session_type", "no-encryption")
			params.Set("openid.assoc_type", "HMAC-SHA256")
		} else {
			// OpenID 1.1 requires a blank session type
			params.Set("openid.session_type", "")
			params.Set("openid.assoc_type", "HMAC-SHA1")
		}
	case AlgorithmNoEncryption:
		if v2 {
			params.Set("openid.session_type", "no-encryption")
		}
		params.Set("openid.assoc_type", "HMAC-SHA1")
	default:
		params.Set("openid.assoc_type", "HMAC-SHA256")
		params.Set("openid.session_type", "DH-SHA256")
	}
	return params
}

func isSecureEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	return err == nil && strings.EqualFold(u.Scheme, "https")
}
