package openid

import (
	"strings"
	"time"
)

// Version identifies the protocol flavour a provider speaks. The values are the
// service type URIs used during discovery.
type Version string

const (
	VersionOpenID10       Version = "http://openid.net/signon/1.0"
	VersionOpenID11       Version = "http://openid.net/signon/1.1"
	VersionOpenID20Signon Version = "http://specs.openid.net/auth/2.0/signon"
	VersionOpenID20Server Version = "http://specs.openid.net/auth/2.0/server"
)

// Namespace20 is the value of openid.ns for OpenID 2.0 messages
const Namespace20 = "http://specs.openid.net/auth/2.0"

// IdentifierSelect is sent as claimed_id/identity when the provider chooses the identity
const IdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"

// IsV2 reports whether messages to this provider carry the 2.0 namespace
func (v Version) IsV2() bool {
	return strings.HasPrefix(string(v), Namespace20)
}

// Namespace returns the openid.ns value a response from this provider carries.
// OpenID 1.x messages have no namespace.
func (v Version) Namespace() string {
	if v.IsV2() {
		return Namespace20
	}
	return ""
}

// ProviderRecord is a discovered OpenID provider endpoint
type ProviderRecord struct {
	Endpoint          string  `json:"endpoint"`
	Version           Version `json:"version"`
	ClaimedIdentifier string  `json:"claimed_id,omitempty"`
	LocalIdentifier   string  `json:"local_id,omitempty"`
}

// Association is a shared secret negotiated with a provider
type Association struct {
	Handle        string        `json:"handle"`
	Endpoint      string        `json:"endpoint"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	Secret        []byte        `json:"secret"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// IsExpired returns true once the provider-supplied lifetime has passed
func (a *Association) IsExpired() bool {
	return !a.ExpiresAt.IsZero() && time.Now().After(a.ExpiresAt)
}

// AssociationStore manages negotiated associations keyed by handle.
// Implementations must be safe for concurrent use.
type AssociationStore interface {
	// SaveAssociation stores a under a.Handle and schedules its removal at a.ExpiresAt
	SaveAssociation(a *Association) error

	// LoadAssociation returns ErrNotFound if the handle is unknown or expired
	LoadAssociation(handle string) (*Association, error)

	// RemoveAssociation deletes the handle; removing a missing handle is not an error
	RemoveAssociation(handle string) error
}

// DiscoveryStore caches discovered provider records keyed by claimed identifier.
// Implementations must be safe for concurrent use.
type DiscoveryStore interface {
	// SaveDiscovered stores p under p.ClaimedIdentifier
	SaveDiscovered(p *ProviderRecord) error

	// LoadDiscovered returns ErrNotFound if nothing is cached for claimedID
	LoadDiscovered(claimedID string) (*ProviderRecord, error)

	// RemoveDiscovered drops any cached record for claimedID
	RemoveDiscovered(claimedID string) error
}
