package openid

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func TestAssociate_DHSHA256(t *testing.T) {
	op := newMockProvider(t, VersionOpenID20Signon)
	store := newMemoryAssociations()
	n := &Negotiator{Store: store}

	assoc, err := n.Associate(context.Background(), op.record(), "")
	if err != nil {
		t.Fatalf("Associate failed: %v", err)
	}
	if assoc.HashAlgorithm != SHA256 {
		t.Errorf("expected SHA256, got %s", assoc.HashAlgorithm)
	}
	if want := op.secret(assoc.Handle).secret; !bytes.Equal(assoc.Secret, want) {
		t.Errorf("recovered secret %x, provider has %x", assoc.Secret, want)
	}
	if assoc.Endpoint != op.endpoint() {
		t.Errorf("expected endpoint %q, got %q", op.endpoint(), assoc.Endpoint)
	}
	if d := time.Until(assoc.ExpiresAt); d < 59*time.Minute || d > time.Hour {
		t.Errorf("unexpected lifetime %v", d)
	}
	if _, err := store.LoadAssociation(assoc.Handle); err != nil {
		t.Errorf("association was not saved: %v", err)
	}

	form := op.associateForms[0]
	if form.Get("openid.ns") != Namespace20 || form.Get("openid.session_type") != "DH-SHA256" {
		t.Errorf("unexpected associate request %v", form)
	}
}

func TestAssociate_DHSHA1(t *testing.T) {
	op := newMockProvider(t, VersionOpenID11)
	assoc, err := (&Negotiator{}).Associate(context.Background(), op.record(), AlgorithmDHSHA1)
	if err != nil {
		t.Fatalf("Associate failed: %v", err)
	}
	if assoc.HashAlgorithm != SHA1 || !bytes.Equal(assoc.Secret, op.secret(assoc.Handle).secret) {
		t.Errorf("bad DH-SHA1 association: %+v", assoc)
	}
	if op.associateForms[0].Has("openid.ns") {
		t.Error("OpenID 1.1 requests must not carry openid.ns")
	}
}

func TestAssociate_FallbackOrder(t *testing.T) {
	op := newMockProvider(t, VersionOpenID20Signon)
	op.rejects = func(form url.Values) bool {
		return !(form.Get("openid.session_type") == "no-encryption" && form.Get("openid.assoc_type") == "HMAC-SHA1")
	}

	assoc, err := (&Negotiator{}).Associate(context.Background(), op.record(), "")
	if err != nil {
		t.Fatalf("Associate failed: %v", err)
	}
	if assoc.HashAlgorithm != SHA1 || !bytes.Equal(assoc.Secret, op.secret(assoc.Handle).secret) {
		t.Errorf("bad plaintext association: %+v", assoc)
	}

	want := [][2]string{
		{"DH-SHA256", "HMAC-SHA256"},
		{"DH-SHA1", "HMAC-SHA1"},
		{"no-encryption", "HMAC-SHA256"},
		{"no-encryption", "HMAC-SHA1"},
	}
	if len(op.associateForms) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(op.associateForms))
	}
	for i, w := range want {
		f := op.associateForms[i]
		if got := [2]string{f.Get("openid.session_type"), f.Get("openid.assoc_type")}; got != w {
			t.Errorf("attempt %d = %v, want %v", i, got, w)
		}
	}
}

func TestAssociate_AllRejected(t *testing.T) {
	op := newMockProvider(t, VersionOpenID20Signon)
	op.rejects = func(url.Values) bool { return true }

	_, err := (&Negotiator{}).Associate(context.Background(), op.record(), "")
	if !errors.Is(err, ErrNegotiationUnsupported) {
		t.Errorf("expected ErrNegotiationUnsupported, got %v", err)
	}
	if len(op.associateForms) != 4 {
		t.Errorf("expected all 4 algorithms to be tried, got %d", len(op.associateForms))
	}
}

func TestAssociate_StrictRefusesPlaintextOverHTTP(t *testing.T) {
	op := newMockProvider(t, VersionOpenID20Signon)
	op.rejects = func(form url.Values) bool { return form.Has("openid.dh_consumer_public") }

	_, err := (&Negotiator{Strict: true}).Associate(context.Background(), op.record(), "")
	if !errors.Is(err, ErrNegotiationUnsupported) {
		t.Fatalf("expected ErrNegotiationUnsupported, got %v", err)
	}
	for _, f := range op.associateForms {
		if !f.Has("openid.dh_consumer_public") {
			t.Errorf("strict mode sent an unencrypted request: %v", f)
		}
	}
	if len(op.associateForms) != 2 {
		t.Errorf("expected only the two DH attempts, got %d", len(op.associateForms))
	}
}

func TestAssociate_OpenID11BlankSessionType(t *testing.T) {
	op := newMockProvider(t, VersionOpenID11)
	op.rejects = func(form url.Values) bool { return form.Has("openid.dh_consumer_public") }

	assoc, err := (&Negotiator{}).Associate(context.Background(), op.record(), "")
	if err != nil {
		t.Fatalf("Associate failed: %v", err)
	}
	f := op.associateForms[2]
	if !f.Has("openid.session_type") || f.Get("openid.session_type") != "" {
		t.Errorf("expected a blank session_type, got %v", f)
	}
	// the provider answered with HMAC-SHA1, which must win over the 256 in the algorithm name
	if assoc.HashAlgorithm != SHA1 {
		t.Errorf("expected SHA1 from the reply's assoc_type, got %s", assoc.HashAlgorithm)
	}
}

func TestAssociate_ProviderErrorIsTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write(EncodeKeyValue(map[string]string{"ns": Namespace20, "error": "server busy"}))
	}))
	defer server.Close()

	p := &ProviderRecord{Endpoint: server.URL, Version: VersionOpenID20Server}
	_, err := (&Negotiator{}).Associate(context.Background(), p, "")
	if !errors.Is(err, ErrProviderError) {
		t.Errorf("expected ErrProviderError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no fallback after a provider error, got %d calls", calls)
	}
}

func TestAssociate_MissingNamespaceFallsBack(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, "assoc_handle:legacy\nexpires_in:60\nmac_key:c2VjcmV0\n")
	}))
	defer server.Close()

	p := &ProviderRecord{Endpoint: server.URL, Version: VersionOpenID20Server}
	if _, err := (&Negotiator{}).Associate(context.Background(), p, ""); !errors.Is(err, ErrNegotiationUnsupported) {
		t.Errorf("expected ErrNegotiationUnsupported, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
}

func TestAssociate_MalformedReplies(t *testing.T) {
	replies := map[string]map[string]string{
		"no handle":         {"ns": Namespace20, "expires_in": "60", "mac_key": "c2VjcmV0"},
		"bad expires_in":    {"ns": Namespace20, "assoc_handle": "h", "expires_in": "soon", "mac_key": "c2VjcmV0"},
		"no key":            {"ns": Namespace20, "assoc_handle": "h", "expires_in": "60"},
		"server public one": {"ns": Namespace20, "assoc_handle": "h", "expires_in": "60", "dh_server_public": "AQ==", "enc_mac_key": "c2VjcmV0"},
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(EncodeKeyValue(reply))
			}))
			defer server.Close()

			p := &ProviderRecord{Endpoint: server.URL, Version: VersionOpenID20Server}
			if _, err := (&Negotiator{}).Associate(context.Background(), p, ""); !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestAssociationParams(t *testing.T) {
	tests := []struct {
		version    Version
		alg        Algorithm
		session    string
		hasSession bool
		assocType  string
		wantNS     bool
	}{
		{VersionOpenID20Signon, AlgorithmDHSHA256, "DH-SHA256", true, "HMAC-SHA256", true},
		{VersionOpenID20Signon, AlgorithmDHSHA1, "DH-SHA1", true, "HMAC-SHA1", true},
		{VersionOpenID20Signon, AlgorithmNoEncryption256, "no-encryption", true, "HMAC-SHA256", true},
		{VersionOpenID20Signon, AlgorithmNoEncryption, "no-encryption", true, "HMAC-SHA1", true},
		{VersionOpenID11, AlgorithmNoEncryption256, "", true, "HMAC-SHA1", false},
		{VersionOpenID11, AlgorithmNoEncryption, "", false, "HMAC-SHA1", false},
	}
	for _, tt := range tests {
		p := associationParams(tt.version, tt.alg)
		if p.Get("openid.mode") != "associate" {
			t.Errorf("%s/%s: missing mode", tt.version, tt.alg)
		}
		if p.Has("openid.ns") != tt.wantNS {
			t.Errorf("%s/%s: ns present = %v", tt.version, tt.alg, p.Has("openid.ns"))
		}
		if p.Has("openid.session_type") != tt.hasSession || p.Get("openid.session_type") != tt.session {
			t.Errorf("%s/%s: session_type = %q (present %v)", tt.version, tt.alg, p.Get("openid.session_type"), p.Has("openid.session_type"))
		}
		if p.Get("openid.assoc_type") != tt.assocType {
			t.Errorf("%s/%s: assoc_type = %q", tt.version, tt.alg, p.Get("openid.assoc_type"))
		}
	}
}

func TestDHSharedSecretAgreement(t *testing.T) {
	client, err := newDHParams(rand.Reader, 256)
	if err != nil {
		t.Fatalf("newDHParams failed: %v", err)
	}
	server, err := newDHParams(rand.Reader, 256)
	if err != nil {
		t.Fatalf("newDHParams failed: %v", err)
	}
	a, err := client.sharedSecret(server.public)
	if err != nil {
		t.Fatalf("sharedSecret failed: %v", err)
	}
	b, err := server.sharedSecret(client.public)
	if err != nil {
		t.Fatalf("sharedSecret failed: %v", err)
	}
	if a.Cmp(b) != 0 {
		t.Error("both sides should derive the same secret")
	}
	if client.private.BitLen() > 256 {
		t.Errorf("private exponent has %d bits", client.private.BitLen())
	}

	for _, bad := range []*big.Int{big.NewInt(0), big.NewInt(1), new(big.Int).Sub(defaultModulus, big.NewInt(1)), defaultModulus} {
		if _, err := client.sharedSecret(bad); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("expected %s to be rejected, got %v", bad, err)
		}
	}
}
