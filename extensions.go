package openid

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Extension attaches namespaced parameters to authentication requests and
// reads its own fields back out of verified assertions.
type Extension interface {
	// RequestParams are merged into the checkid request
	RequestParams() map[string]string

	// FillResult copies recognised fields from params into result.Attributes.
	// It must not touch keys owned by other extensions.
	FillResult(params url.Values, result *VerificationResult)
}

// Requirement marks a requested field as required or merely wanted
type Requirement int

const (
	Optional Requirement = iota
	Required
)

// Extension namespace URIs
const (
	NamespaceSREG  = "http://openid.net/extensions/sreg/1.1"
	NamespaceAX    = "http://openid.net/srv/ax/1.0"
	NamespaceUI    = "http://specs.openid.net/extensions/ui/1.0"
	NamespaceOAuth = "http://specs.openid.net/extensions/oauth/1.0"
)

// extensionAlias finds the alias a response uses for namespace ns, falling
// back to def when the provider did not declare one.
func extensionAlias(params url.Values, ns, def string) string {
	var aliases []string
	for k := range params {
		if alias, ok := strings.CutPrefix(k, "openid.ns."); ok && params.Get(k) == ns {
			aliases = append(aliases, alias)
		}
	}
	if len(aliases) == 0 {
		return def
	}
	sort.Strings(aliases)
	return aliases[0]
}

func setAttribute(result *VerificationResult, key, value string) {
	if result.Attributes == nil {
		result.Attributes = map[string]string{}
	}
	result.Attributes[key] = value
}

// SREGFields are the Simple Registration 1.1 profile fields
var SREGFields = []string{"nickname", "email", "fullname", "dob", "gender", "postcode", "country", "language", "timezone"}

// SimpleRegistration requests profile fields with the sreg 1.1 extension
type SimpleRegistration struct {
	params map[string]string
}

// NewSimpleRegistration requests the given sreg fields. Unknown field names are ignored.
func NewSimpleRegistration(fields map[string]Requirement, policyURL string) *SimpleRegistration {
	params := map[string]string{"openid.ns.sreg": NamespaceSREG}
	if policyURL != "" {
		params["openid.sreg.policy_url"] = policyURL
	}
	var required, optional []string
	for _, key := range SREGFields {
		req, ok := fields[key]
		if !ok {
			continue
		}
		if req == Required {
			required = append(required, key)
		} else {
			optional = append(optional, key)
		}
	}
	if len(required) > 0 {
		params["openid.sreg.required"] = strings.Join(required, ",")
	}
	if len(optional) > 0 {
		params["openid.sreg.optional"] = strings.Join(optional, ",")
	}
	return &SimpleRegistration{params: params}
}

func (s *SimpleRegistration) RequestParams() map[string]string { return s.params }

func (s *SimpleRegistration) FillResult(params url.Values, result *VerificationResult) {
	alias := extensionAlias(params, NamespaceSREG, "sreg")
	for _, key := range SREGFields {
		if v := params.Get("openid." + alias + "." + key); v != "" {
			setAttribute(result, key, v)
		}
	}
}

// axAliases names well known attribute types. Other types get req<n>/opt<n> aliases.
var axAliases = map[string]string{
	"http://axschema.org/contact/country/home": "country",
	"http://axschema.org/contact/email":        "email",
	"http://axschema.org/namePerson/first":     "firstname",
	"http://axschema.org/pref/language":        "language",
	"http://axschema.org/namePerson/last":      "lastname",
	"http://axschema.org/namePerson/friendly":  "nickname",
	"http://axschema.org/namePerson":           "fullname",
}

// AttributeExchange issues an AX 1.0 fetch_request
type AttributeExchange struct {
	params map[string]string
}

// NewAttributeExchange fetches the attributes keyed by type URI
func NewAttributeExchange(attributes map[string]Requirement) *AttributeExchange {
	params := map[string]string{
		"openid.ns.ax":   NamespaceAX,
		"openid.ax.mode": "fetch_request",
	}

	types := make([]string, 0, len(attributes))
	for t := range attributes {
		types = append(types, t)
	}
	sort.Strings(types)

	var required, optional []string
	for _, t := range types {
		list, prefix := &optional, "opt"
		if attributes[t] == Required {
			list, prefix = &required, "req"
		}
		alias, ok := axAliases[t]
		if !ok {
			alias = prefix + strconv.Itoa(len(*list))
		}
		params["openid.ax.type."+alias] = t
		*list = append(*list, alias)
	}
	if len(required) > 0 {
		params["openid.ax.required"] = strings.Join(required, ",")
	}
	if len(optional) > 0 {
		params["openid.ax.if_available"] = strings.Join(optional, ",")
	}
	return &AttributeExchange{params: params}
}

func (a *AttributeExchange) RequestParams() map[string]string { return a.params }

// FillResult stores each returned attribute under the alias the provider used
// for it. For counted attributes only the first value is kept.
func (a *AttributeExchange) FillResult(params url.Values, result *VerificationResult) {
	alias := extensionAlias(params, NamespaceAX, "ax")
	typePrefix := "openid." + alias + ".type."
	valuePrefix := "openid." + alias + ".value."
	countPrefix := "openid." + alias + ".count."

	for k := range params {
		name, ok := strings.CutPrefix(k, typePrefix)
		if !ok || name == "" || strings.Contains(name, ".") {
			continue
		}
		value, found := "", false
		if count := params.Get(countPrefix + name); count != "" {
			if n, err := strconv.Atoi(count); err == nil && n > 0 {
				value, found = params.Get(valuePrefix+name+".1"), params.Has(valuePrefix+name+".1")
			}
		} else {
			value, found = params.Get(valuePrefix+name), params.Has(valuePrefix+name)
		}
		if found {
			setAttribute(result, name, value)
		}
	}
}

// UserInterface asks the provider to render its UI in a particular way
type UserInterface struct {
	params map[string]string
}

// NewUserInterface sends each option as openid.ui.<key>. With no options the mode is popup.
func NewUserInterface(options map[string]string) *UserInterface {
	params := map[string]string{"openid.ns.ui": NamespaceUI}
	if len(options) == 0 {
		options = map[string]string{"mode": "popup"}
	}
	for k, v := range options {
		params["openid.ui."+k] = v
	}
	return &UserInterface{params: params}
}

func (u *UserInterface) RequestParams() map[string]string { return u.params }

// FillResult is a no-op; the UI extension defines no response fields
func (u *UserInterface) FillResult(url.Values, *VerificationResult) {}

// OAuthHybrid requests an OAuth request token alongside the assertion
type OAuthHybrid struct {
	params map[string]string
}

func NewOAuthHybrid(consumerKey, scope string) *OAuthHybrid {
	return &OAuthHybrid{params: map[string]string{
		"openid.ns.oauth":       NamespaceOAuth,
		"openid.oauth.consumer": consumerKey,
		"openid.oauth.scope":    scope,
	}}
}

func (o *OAuthHybrid) RequestParams() map[string]string { return o.params }

func (o *OAuthHybrid) FillResult(params url.Values, result *VerificationResult) {
	alias := extensionAlias(params, NamespaceOAuth, "oauth")
	if params.Has("openid." + alias + ".request_token") {
		setAttribute(result, "request_token", params.Get("openid."+alias+".request_token"))
	}
	if params.Has("openid." + alias + ".scope") {
		setAttribute(result, "scope", params.Get("openid."+alias+".scope"))
	}
}
