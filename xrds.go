package openid

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Service types in order of preference when one service lists several
var serviceTypes = []Version{
	VersionOpenID20Server,
	VersionOpenID20Signon,
	VersionOpenID11,
	VersionOpenID10,
}

type xrdsService struct {
	priority int
	types    []string
	uris     []string
	localID  string
	delegate string
}

func (s *xrdsService) version() (Version, bool) {
	for _, v := range serviceTypes {
		for _, t := range s.types {
			if t == string(v) {
				return v, true
			}
		}
	}
	return "", false
}

// parseXRDS maps the services of an XRDS document to provider records.
// Services whose types are not OpenID are skipped. For XRI identifiers the
// claimed identifier comes from the XRD's CanonicalID.
func parseXRDS(data []byte, xri bool) []*ProviderRecord {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil
	}
	root := doc.Root()
	if root == nil || root.Tag != "XRDS" {
		return nil
	}
	xrds := root.SelectElements("XRD")
	if len(xrds) == 0 {
		return nil
	}
	// the last XRD is the one describing the resolved identifier
	xrd := xrds[len(xrds)-1]

	canonicalID := ""
	if el := xrd.SelectElement("CanonicalID"); el != nil {
		canonicalID = strings.TrimSpace(el.Text())
	}

	var services []*xrdsService
	for _, el := range xrd.SelectElements("Service") {
		services = append(services, readService(el))
	}
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].priority < services[j].priority
	})

	var providers []*ProviderRecord
	for _, s := range services {
		version, ok := s.version()
		if !ok || len(s.uris) == 0 {
			continue
		}
		p := &ProviderRecord{Endpoint: s.uris[0], Version: version}
		switch version {
		case VersionOpenID20Signon:
			p.LocalIdentifier = s.localID
		case VersionOpenID10, VersionOpenID11:
			p.LocalIdentifier = s.localID
			if p.LocalIdentifier == "" {
				p.LocalIdentifier = s.delegate
			}
		}
		if xri {
			p.ClaimedIdentifier = canonicalID
			if p.ClaimedIdentifier == "" {
				p.ClaimedIdentifier = s.localID
			}
		}
		providers = append(providers, p)
	}
	return providers
}

func readService(el *etree.Element) *xrdsService {
	s := &xrdsService{priority: parsePriority(el)}
	for _, t := range el.SelectElements("Type") {
		s.types = append(s.types, strings.TrimSpace(t.Text()))
	}

	type uri struct {
		value    string
		priority int
	}
	var uris []uri
	for _, u := range el.SelectElements("URI") {
		uris = append(uris, uri{value: strings.TrimSpace(u.Text()), priority: parsePriority(u)})
	}
	sort.SliceStable(uris, func(i, j int) bool { return uris[i].priority < uris[j].priority })
	for _, u := range uris {
		if u.value != "" {
			s.uris = append(s.uris, u.value)
		}
	}

	if l := el.SelectElement("LocalID"); l != nil {
		s.localID = strings.TrimSpace(l.Text())
	}
	// openid:Delegate lives in the http://openid.net/xmlns/1.0 namespace
	if d := el.SelectElement("Delegate"); d != nil {
		s.delegate = strings.TrimSpace(d.Text())
	}
	return s
}

// parsePriority returns the priority attribute, with missing or invalid values sorting last
func parsePriority(el *etree.Element) int {
	v, err := strconv.Atoi(el.SelectAttrValue("priority", ""))
	if err != nil || v < 0 {
		return math.MaxInt
	}
	return v
}

// isXRDSContentType reports whether a Content-Type header announces an XRDS document.
// text/xml is not compliant but some hosts cannot change their headers.
func isXRDSContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(contentType, "application/xrds+xml") ||
		strings.HasPrefix(contentType, "text/xml")
}
