package grpc

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestNewPublicMethodsConfig(t *testing.T) {
	config := NewPublicMethodsConfig("/pkg.Svc/Method1", "/pkg.Svc/Method2")
	if !config.RequireAuth {
		t.Error("expected RequireAuth to be true")
	}
	if !config.PublicMethods["/pkg.Svc/Method1"] || !config.PublicMethods["/pkg.Svc/Method2"] {
		t.Error("expected Method1 and Method2 to be public")
	}
	if config.PublicMethods["/pkg.Svc/Method3"] {
		t.Error("expected Method3 to not be public")
	}
	if OptionalAuthConfig().RequireAuth {
		t.Error("expected OptionalAuthConfig to not require auth")
	}
}

func TestUnaryAuthInterceptor(t *testing.T) {
	withID := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(DefaultMetadataKeyClaimedID, "https://example.com/"))

	tests := []struct {
		name       string
		config     *InterceptorConfig
		ctx        context.Context
		method     string
		wantCalled bool
		wantID     string
	}{
		{"required without identity", nil, context.Background(), "/pkg.Svc/Method", false, ""},
		{"required with identity", nil, withID, "/pkg.Svc/Method", true, "https://example.com/"},
		{"public method", NewPublicMethodsConfig("/pkg.Svc/Public"), context.Background(), "/pkg.Svc/Public", true, ""},
		{"optional auth", OptionalAuthConfig(), context.Background(), "/pkg.Svc/Method", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := UnaryAuthInterceptor(tt.config)
			info := &grpc.UnaryServerInfo{FullMethod: tt.method}

			called, seenID := false, ""
			_, err := interceptor(tt.ctx, nil, info, func(ctx context.Context, req any) (any, error) {
				called = true
				seenID = ClaimedIDFromContext(ctx)
				return "result", nil
			})

			if called != tt.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if !tt.wantCalled {
				st, ok := status.FromError(err)
				if !ok || st.Code() != codes.Unauthenticated {
					t.Errorf("expected Unauthenticated, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seenID != tt.wantID {
				t.Errorf("expected claimed id %q in handler, got %q", tt.wantID, seenID)
			}
		})
	}
}

func TestUnaryAuthInterceptor_VerifyToken(t *testing.T) {
	config := DefaultInterceptorConfig()
	config.VerifyToken = func(tokenString string) (string, any, error) {
		if tokenString == "signed" {
			return "https://example.com/", nil, nil
		}
		return "", nil, errors.New("bad signature")
	}
	interceptor := UnaryAuthInterceptor(config)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	// plain metadata is not trusted once tokens are required
	spoofed := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(DefaultMetadataKeyClaimedID, "https://victim.example/"))
	if _, err := interceptor(spoofed, nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated for spoofed metadata, got %v", err)
	}

	signed := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(DefaultMetadataKeyToken, "Bearer signed"))
	var seenID string
	if _, err := interceptor(signed, nil, info, func(ctx context.Context, req any) (any, error) {
		seenID = ClaimedIDFromContext(ctx)
		return nil, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenID != "https://example.com/" {
		t.Errorf("expected verified claimed id, got %q", seenID)
	}
}

func TestUnaryAuthInterceptor_OptionalIgnoresUnverifiedMetadata(t *testing.T) {
	config := OptionalAuthConfig()
	config.VerifyToken = func(string) (string, any, error) { return "", nil, errors.New("nope") }
	interceptor := UnaryAuthInterceptor(config)

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(DefaultMetadataKeyClaimedID, "https://victim.example/"))
	var seenID string
	interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}, func(ctx context.Context, req any) (any, error) {
		seenID = ClaimedIDFromContext(ctx)
		return nil, nil
	})
	if seenID != "" {
		t.Errorf("expected anonymous handler context, got %q", seenID)
	}
}

// mockServerStream implements grpc.ServerStream for testing
type mockServerStream struct {
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context     { return m.ctx }
func (m *mockServerStream) SetHeader(metadata.MD) error  { return nil }
func (m *mockServerStream) SendHeader(metadata.MD) error { return nil }
func (m *mockServerStream) SetTrailer(metadata.MD)       {}
func (m *mockServerStream) SendMsg(any) error            { return nil }
func (m *mockServerStream) RecvMsg(any) error            { return nil }

func TestStreamAuthInterceptor(t *testing.T) {
	interceptor := StreamAuthInterceptor(nil)
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/StreamMethod"}

	err := interceptor(nil, &mockServerStream{ctx: context.Background()}, info, func(srv any, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(DefaultMetadataKeyClaimedID, "https://example.com/"))
	var seenID string
	err = interceptor(nil, &mockServerStream{ctx: ctx}, info, func(srv any, ss grpc.ServerStream) error {
		seenID = ClaimedIDFromContext(ss.Context())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenID != "https://example.com/" {
		t.Errorf("expected claimed id on stream context, got %q", seenID)
	}
}
