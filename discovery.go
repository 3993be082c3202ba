package openid

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// MaxHops bounds XRDS redirects and HTML meta re-resolution during one discovery
const MaxHops = 5

// DefaultXRIProxy resolves XRIs to XRDS documents
const DefaultXRIProxy = "https://xri.net/"

// HeaderXRDSLocation is the Yadis response header pointing at the XRDS document
const HeaderXRDSLocation = "X-XRDS-Location"

// Discoverer finds the providers for an identifier using Yadis/XRDS with an
// HTML fallback
type Discoverer struct {
	Fetcher Fetcher

	// XRIProxy is prepended to XRI identifiers. Defaults to DefaultXRIProxy.
	XRIProxy string
}

func (d *Discoverer) fetcher() Fetcher {
	if d.Fetcher == nil {
		return defaultFetcher
	}
	return d.Fetcher
}

// Discover normalizes identifier and returns its candidate providers in
// preference order. Only an invalid identifier is an error; any network or
// parse failure yields an empty list.
func (d *Discoverer) Discover(ctx context.Context, identifier string) ([]*ProviderRecord, error) {
	id, err := Normalize(identifier)
	if err != nil {
		return nil, err
	}

	xri := IsXRI(id)
	if xri {
		proxy := d.XRIProxy
		if proxy == "" {
			proxy = DefaultXRIProxy
		}
		id = proxy + id + "?_xrd_r=application/xrds%2Bxml"
	}

	w := &discoveryWalk{fetcher: d.fetcher(), xri: xri}
	providers := w.resolve(ctx, id, 1)
	if len(providers) == 0 && !w.htmlTried {
		providers = w.resolveHTML(ctx, id, 1)
	}

	// Providers with a local identifier need a claimed one for re-verification
	for _, p := range providers {
		if p.ClaimedIdentifier == "" && p.LocalIdentifier != "" {
			p.ClaimedIdentifier = id
		}
	}
	if len(providers) == 0 {
		slog.Debug("openid discovery found no providers", "identifier", id)
	}
	return providers, nil
}

// discoveryWalk carries the state of one Discover call
type discoveryWalk struct {
	fetcher   Fetcher
	xri       bool
	htmlTried bool
}

// resolve fetches target as a Yadis resource: follows X-XRDS-Location, parses
// XRDS bodies and hands anything else to the HTML scanner.
func (w *discoveryWalk) resolve(ctx context.Context, target string, hops int) []*ProviderRecord {
	resp := w.get(ctx, target, hops)
	if resp == nil {
		return nil
	}
	if loc := strings.TrimSpace(resp.Header.Get(HeaderXRDSLocation)); loc != "" {
		return w.resolve(ctx, resolveReference(resp.URL, loc), hops+1)
	}
	if isXRDSContentType(resp.Header.Get("Content-Type")) {
		return parseXRDS(resp.Body, w.xri)
	}
	return w.scanHTML(ctx, resp, hops)
}

func (w *discoveryWalk) resolveHTML(ctx context.Context, target string, hops int) []*ProviderRecord {
	resp := w.get(ctx, target, hops)
	if resp == nil {
		return nil
	}
	return w.scanHTML(ctx, resp, hops)
}

func (w *discoveryWalk) scanHTML(ctx context.Context, resp *Response, hops int) []*ProviderRecord {
	w.htmlTried = true
	found := parseHTML(resp.URL, resp.Body)
	if found.xrdsLocation != "" {
		return w.resolve(ctx, resolveReference(resp.URL, found.xrdsLocation), hops+1)
	}
	if found.provider == nil {
		return nil
	}
	found.provider.Endpoint = resolveReference(resp.URL, found.provider.Endpoint)
	return []*ProviderRecord{found.provider}
}

// get returns nil once the hop budget is spent or the fetch does not succeed
func (w *discoveryWalk) get(ctx context.Context, target string, hops int) *Response {
	if hops > MaxHops {
		slog.Debug("openid discovery hop limit reached", "url", target, "hops", hops)
		return nil
	}
	resp, err := w.fetcher.Get(ctx, target)
	if err != nil {
		slog.Debug("openid discovery fetch failed", "url", target, "error", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		slog.Debug("openid discovery fetch returned non-200", "url", target, "status", resp.StatusCode)
		return nil
	}
	if resp.URL == "" {
		resp.URL = target
	}
	return resp
}

// resolveReference resolves ref against base, returning ref untouched if either fails to parse
func resolveReference(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
