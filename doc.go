// Package openid is an OpenID 1.1/2.0 relying party.
//
// Given a user supplied identifier it discovers the user's provider, optionally
// negotiates a Diffie-Hellman association with it, builds the checkid redirect
// and later verifies the provider's assertion, either with the association's
// shared secret or by asking the provider directly (stateless mode).
//
// # Flow
//
// Discovery tries Yadis/XRDS first and falls back to HTML link tags. Each
// candidate provider is then associated with, trying DH-SHA256, DH-SHA1,
// no-encryption-256 and no-encryption in that order. The first candidate that
// works yields the redirect URL:
//
//	rp := openid.New("https://rp.example/openid/callback", "https://rp.example/", false, true,
//	    openid.NewSimpleRegistration(map[string]openid.Requirement{"email": openid.Required}, ""))
//	rp.Associations = stores.NewMemoryAssociationStore()
//	rp.Discoveries = stores.NewMemoryDiscoveryStore(0, 0)
//
//	redirectURL, err := rp.Authenticate(ctx, "example.com", false)
//
// When the provider sends the user back, the callback is verified:
//
//	result, err := rp.VerifyRequest(ctx, r)
//	if err == nil && result.Authenticated {
//	    // result.ClaimedIdentifier, result.Attributes["email"]
//	}
//
// Verification fails closed: any problem yields an unauthenticated result with
// the cause in Reason and a sentinel error that can be tested with errors.Is.
//
// # HTTP Handlers
//
// OpenIDAuth wires the flow into gorilla/mux routes (/openid/login and
// /openid/callback), keeps the login state in an scs session and issues a
// signed JWT cookie for the claimed identifier. Middleware reads that identity
// back on later requests.
//
// # Stores
//
// Associations and discovered providers live behind the AssociationStore and
// DiscoveryStore interfaces. The stores package has in-memory implementations;
// durable storage is left to the application.
package openid
