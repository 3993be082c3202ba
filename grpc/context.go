// Package grpc carries the OpenID claimed identifier of a logged in user from
// HTTP handlers to gRPC services via metadata.
package grpc

import (
	"context"
	"net/http"

	oid "github.com/panyam/openid"
	"google.golang.org/grpc/metadata"
)

const (
	// DefaultMetadataKeyClaimedID is the default gRPC metadata key for the verified claimed identifier
	DefaultMetadataKeyClaimedID = "x-openid-claimed-id"

	// DefaultMetadataKeyToken is the default metadata key for the signed identity token
	DefaultMetadataKeyToken = "authorization"
)

// Config holds the metadata key configuration for identity propagation.
type Config struct {
	// MetadataKeyClaimedID defaults to "x-openid-claimed-id".
	MetadataKeyClaimedID string

	// MetadataKeyToken defaults to "authorization".
	MetadataKeyToken string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyClaimedID: DefaultMetadataKeyClaimedID,
		MetadataKeyToken:     DefaultMetadataKeyToken,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyClaimedID == "" {
		c.MetadataKeyClaimedID = DefaultMetadataKeyClaimedID
	}
	if c.MetadataKeyToken == "" {
		c.MetadataKeyToken = DefaultMetadataKeyToken
	}
}

func (c *Config) claimedIDKey() string {
	if c == nil || c.MetadataKeyClaimedID == "" {
		return DefaultMetadataKeyClaimedID
	}
	return c.MetadataKeyClaimedID
}

type identityKey struct{}

// ClaimedIDFromContext returns the claimed identifier established by the
// interceptors. Outside of them the raw incoming metadata is read.
// Returns empty string if no identity is present.
func ClaimedIDFromContext(ctx context.Context) string {
	return ClaimedIDFromContextWithConfig(ctx, nil)
}

// ClaimedIDFromContextWithConfig is ClaimedIDFromContext with custom metadata keys.
func ClaimedIDFromContextWithConfig(ctx context.Context, config *Config) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok {
		return id
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(config.claimedIDKey()); len(values) > 0 {
		return values[0]
	}
	return ""
}

// ClaimedIDToOutgoingContext adds the claimed identifier to outgoing gRPC metadata.
func ClaimedIDToOutgoingContext(ctx context.Context, claimedID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyClaimedID, claimedID)
}

// TokenToOutgoingContext adds a signed identity token as a bearer credential.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyToken, "Bearer "+token)
}

// ForwardIdentity returns r's context with the identity set by the openid
// Middleware attached as outgoing metadata, for calls made while serving r.
func ForwardIdentity(r *http.Request) context.Context {
	ctx := r.Context()
	if claimedID := oid.ClaimedIdentifierFromContext(ctx); claimedID != "" {
		ctx = ClaimedIDToOutgoingContext(ctx, claimedID)
	}
	return ctx
}

// IsAuthenticated returns true if there is a claimed identifier in the context.
func IsAuthenticated(ctx context.Context) bool {
	return ClaimedIDFromContext(ctx) != ""
}
