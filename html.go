package openid

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlDiscovery is what an HTML page advertises about its OpenID provider
type htmlDiscovery struct {
	// xrdsLocation is set when the page points to an XRDS document instead
	xrdsLocation string
	provider     *ProviderRecord
}

// parseHTML scans a page for an x-xrds-location meta tag, then for OpenID 2.0
// and OpenID 1.1 link tags. At most one provider is produced.
func parseHTML(pageURL string, body []byte) htmlDiscovery {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return htmlDiscovery{}
	}

	var out htmlDiscovery
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "x-xrds-location") {
			return true
		}
		out.xrdsLocation = strings.TrimSpace(s.AttrOr("content", ""))
		return out.xrdsLocation == ""
	})
	if out.xrdsLocation != "" {
		return out
	}

	if endpoint := linkHref(doc, "openid2.provider"); endpoint != "" {
		out.provider = &ProviderRecord{
			Endpoint:          endpoint,
			Version:           VersionOpenID20Signon,
			ClaimedIdentifier: pageURL,
			LocalIdentifier:   linkHref(doc, "openid2.local_id"),
		}
	} else if endpoint := linkHref(doc, "openid.server"); endpoint != "" {
		out.provider = &ProviderRecord{
			Endpoint:          endpoint,
			Version:           VersionOpenID11,
			ClaimedIdentifier: pageURL,
			LocalIdentifier:   linkHref(doc, "openid.delegate"),
		}
	}
	return out
}

// linkHref returns the href of the first <link> whose rel list contains rel
func linkHref(doc *goquery.Document, rel string) string {
	href := ""
	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, r := range strings.Fields(s.AttrOr("rel", "")) {
			if strings.EqualFold(r, rel) {
				href = strings.TrimSpace(s.AttrOr("href", ""))
				return href == ""
			}
		}
		return true
	})
	return href
}
