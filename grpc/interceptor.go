package grpc

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// InterceptorConfig configures the identity interceptors.
type InterceptorConfig struct {
	*Config

	// RequireAuth when true rejects requests without an identity.
	RequireAuth bool

	// PublicMethods are full method names ("/package.Service/Method") that
	// don't require an identity.
	PublicMethods map[string]bool

	// VerifyToken, when set, accepts a bearer identity token in place of the
	// plain claimed id metadata and then ignores the plain metadata. Use
	// OpenIDAuth.Middleware.VerifyToken to accept tokens issued at login.
	VerifyToken func(tokenString string) (claimedID string, token any, err error)
}

// DefaultInterceptorConfig returns a config that requires an identity for all methods.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that lets anonymous requests through.
func OptionalAuthConfig() *InterceptorConfig {
	config := DefaultInterceptorConfig()
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) ensureDefaults() *InterceptorConfig {
	if c == nil {
		c = DefaultInterceptorConfig()
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	return c
}

// UnaryAuthInterceptor returns a unary interceptor that resolves the caller's
// claimed identifier and makes it available through ClaimedIDFromContext.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = config.ensureDefaults()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		claimedID := extractClaimedID(ctx, config)
		if config.RequireAuth && !config.PublicMethods[info.FullMethod] && claimedID == "" {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return handler(withIdentity(ctx, claimedID), req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = config.ensureDefaults()
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		claimedID := extractClaimedID(ss.Context(), config)
		if config.RequireAuth && !config.PublicMethods[info.FullMethod] && claimedID == "" {
			return status.Error(codes.Unauthenticated, "authentication required")
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: withIdentity(ss.Context(), claimedID)})
	}
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }

// withIdentity records the interceptor's verdict, even an empty one, so
// handlers never fall back to unverified metadata
func withIdentity(ctx context.Context, claimedID string) context.Context {
	return context.WithValue(ctx, identityKey{}, claimedID)
}

func extractClaimedID(ctx context.Context, config *InterceptorConfig) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	if config.VerifyToken != nil {
		for _, value := range md.Get(config.Config.MetadataKeyToken) {
			claimedID, _, err := config.VerifyToken(strings.TrimPrefix(value, "Bearer "))
			if err == nil && claimedID != "" {
				return claimedID
			}
			slog.Warn("rejected identity token", "error", err)
		}
		return ""
	}

	if values := md.Get(config.Config.MetadataKeyClaimedID); len(values) > 0 {
		return values[0]
	}
	return ""
}
