package openid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"
)

// mockProvider is a minimal OpenID provider: it serves an XRDS identity page
// at /id, answers associate and check_authentication at /op and can mint
// signed positive assertions.
type mockProvider struct {
	t       *testing.T
	server  *httptest.Server
	version Version

	mu sync.Mutex
	// rejects reports whether an associate request should get unsupported-type
	rejects func(form url.Values) bool
	// associateStatus overrides the HTTP status of associate replies
	associateStatus int
	assocs          map[string]mockAssoc
	associateForms  []url.Values
	checkForms      []url.Values
	checkValid      bool
	nextHandle      int
	// otherEndpoints are listed on the identity page ahead of the real endpoint
	otherEndpoints []string
}

type mockAssoc struct {
	hash   HashAlgorithm
	secret []byte
}

func newMockProvider(t *testing.T, version Version) *mockProvider {
	t.Helper()
	m := &mockProvider{
		t:          t,
		version:    version,
		assocs:     map[string]mockAssoc{},
		checkValid: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/id", m.serveIdentity)
	mux.HandleFunc("/op", m.serveEndpoint)
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockProvider) endpoint() string { return m.server.URL + "/op" }
func (m *mockProvider) identity() string { return m.server.URL + "/id" }
func (m *mockProvider) localID() string  { return m.server.URL + "/alice" }

func (m *mockProvider) record() *ProviderRecord {
	return &ProviderRecord{
		Endpoint:          m.endpoint(),
		Version:           m.version,
		ClaimedIdentifier: m.identity(),
		LocalIdentifier:   m.localID(),
	}
}

func (m *mockProvider) serveIdentity(w http.ResponseWriter, r *http.Request) {
	localTag := "LocalID"
	if !m.version.IsV2() {
		localTag = "openid:Delegate"
	}
	others := ""
	for _, endpoint := range m.otherEndpoints {
		others += fmt.Sprintf(`
    <Service priority="0">
      <Type>%s</Type>
      <URI>%s</URI>
    </Service>`, m.version, endpoint)
	}
	w.Header().Set("Content-Type", "application/xrds+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<xrds:XRDS xmlns:xrds="xri://$xrds" xmlns="xri://$xrd*($v*2.0)" xmlns:openid="http://openid.net/xmlns/1.0">
  <XRD>%s
    <Service priority="10">
      <Type>%s</Type>
      <URI>%s</URI>
      <%s>%s</%s>
    </Service>
  </XRD>
</xrds:XRDS>`, others, m.version, m.endpoint(), localTag, m.localID(), localTag)
}

func (m *mockProvider) serveEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.PostForm.Get("openid.mode") {
	case "associate":
		m.associate(w, r.PostForm)
	case "check_authentication":
		m.mu.Lock()
		m.checkForms = append(m.checkForms, r.PostForm)
		valid := m.checkValid
		m.mu.Unlock()
		w.Write(EncodeKeyValue(map[string]string{"ns": Namespace20, "is_valid": strconv.FormatBool(valid)}))
	default:
		http.Error(w, "unexpected mode", http.StatusBadRequest)
	}
}

func (m *mockProvider) associate(w http.ResponseWriter, form url.Values) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associateForms = append(m.associateForms, form)

	reply := map[string]string{}
	if m.version.IsV2() {
		reply["ns"] = Namespace20
	}
	if m.rejects != nil && m.rejects(form) {
		reply["error"] = "unsupported association type"
		reply["error_code"] = "unsupported-type"
		w.WriteHeader(http.StatusBadRequest)
		w.Write(EncodeKeyValue(reply))
		return
	}

	hashAlg, ok := hashForAssocType(form.Get("openid.assoc_type"))
	if !ok {
		hashAlg = SHA1
	}
	secret := make([]byte, hashAlg.Size())
	rand.Read(secret)

	m.nextHandle++
	handle := fmt.Sprintf("h%d", m.nextHandle)
	m.assocs[handle] = mockAssoc{hash: hashAlg, secret: secret}

	reply["assoc_handle"] = handle
	reply["assoc_type"] = hashAlg.AssocType()
	reply["expires_in"] = "3600"

	if consumer := form.Get("openid.dh_consumer_public"); consumer != "" {
		p := mustBigInt(m.t, form.Get("openid.dh_modulus"))
		g := mustBigInt(m.t, form.Get("openid.dh_gen"))
		a := mustBigInt(m.t, consumer)
		y, _ := rand.Int(rand.Reader, p)
		shared := new(big.Int).Exp(a, y, p)
		h := hashAlg.New()
		h.Write(btwoc(shared))
		enc, err := xorBytes(secret, h.Sum(nil))
		if err != nil {
			m.t.Errorf("mock provider xor failed: %v", err)
		}
		reply["session_type"] = form.Get("openid.session_type")
		reply["dh_server_public"] = encodeBigInt(new(big.Int).Exp(g, y, p))
		reply["enc_mac_key"] = base64.StdEncoding.EncodeToString(enc)
	} else {
		reply["mac_key"] = base64.StdEncoding.EncodeToString(secret)
	}

	if m.associateStatus != 0 {
		w.WriteHeader(m.associateStatus)
	}
	w.Write(EncodeKeyValue(reply))
}

func (m *mockProvider) secret(handle string) mockAssoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assocs[handle]
}

// assertion mints a positive id_res response signed with the association handle
func (m *mockProvider) assertion(handle, returnTo string) url.Values {
	params := url.Values{}
	if m.version.IsV2() {
		params.Set("openid.ns", Namespace20)
		params.Set("openid.op_endpoint", m.endpoint())
	}
	params.Set("openid.mode", "id_res")
	params.Set("openid.claimed_id", m.identity())
	params.Set("openid.identity", m.localID())
	params.Set("openid.return_to", returnTo)
	params.Set("openid.response_nonce", time.Now().UTC().Format(time.RFC3339)+"abc")
	params.Set("openid.assoc_handle", handle)

	fields := []string{"claimed_id", "identity", "return_to", "response_nonce", "assoc_handle"}
	if m.version.IsV2() {
		fields = append([]string{"op_endpoint"}, fields...)
	}
	message, signed := "", ""
	for i, f := range fields {
		message += f + ":" + params.Get("openid."+f) + "\n"
		if i > 0 {
			signed += ","
		}
		signed += f
	}
	params.Set("openid.signed", signed)

	assoc := m.secret(handle)
	if assoc.secret != nil {
		params.Set("openid.sig", sign(assoc.hash, assoc.secret, message))
	} else {
		params.Set("openid.sig", base64.StdEncoding.EncodeToString([]byte("stateless-signature")))
	}
	return params
}

func mustBigInt(t *testing.T, s string) *big.Int {
	t.Helper()
	n, err := decodeBigInt(s)
	if err != nil {
		t.Fatalf("bad big int %q: %v", s, err)
	}
	return n
}

// memoryAssociations and memoryDiscoveries are test doubles for the store
// contracts; the real implementations live in the stores package.
type memoryAssociations struct {
	mu sync.Mutex
	m  map[string]*Association
}

func newMemoryAssociations() *memoryAssociations {
	return &memoryAssociations{m: map[string]*Association{}}
}

func (s *memoryAssociations) SaveAssociation(a *Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[a.Handle] = a
	return nil
}

func (s *memoryAssociations) LoadAssociation(handle string) (*Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.m[handle]
	if !ok || a.IsExpired() {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *memoryAssociations) RemoveAssociation(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, handle)
	return nil
}

type memoryDiscoveries struct {
	mu sync.Mutex
	m  map[string]*ProviderRecord
}

func newMemoryDiscoveries() *memoryDiscoveries {
	return &memoryDiscoveries{m: map[string]*ProviderRecord{}}
}

func (s *memoryDiscoveries) SaveDiscovered(p *ProviderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := *p
	s.m[p.ClaimedIdentifier] = &record
	return nil
}

func (s *memoryDiscoveries) LoadDiscovered(claimedID string) (*ProviderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[claimedID]
	if !ok {
		return nil, ErrNotFound
	}
	record := *p
	return &record, nil
}

func (s *memoryDiscoveries) RemoveDiscovered(claimedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, claimedID)
	return nil
}
