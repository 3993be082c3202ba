// Command demo-rp runs a small relying party that logs users in with OpenID.
//
// Configuration comes from the environment:
//
//	OPENID_LISTEN_ADDR     HTTP listen address (default :8080)
//	OPENID_BASE_URL        public base URL of this server (default http://localhost:8080)
//	OPENID_REALM           realm shown to the user (default the base URL)
//	OPENID_STATELESS       "true" to verify every assertion with the provider
//	OPENID_STRICT          "false" to allow unencrypted associations over http
//	OPENID_JWT_SECRET_KEY  key for identity cookies (default a random key per run)
//	OPENID_GRPC_ADDR       when set, also serve gRPC health checks behind the identity interceptor
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	oid "github.com/panyam/openid"
	oidgrpc "github.com/panyam/openid/grpc"
	"github.com/panyam/openid/stores"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var homePage = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html><body>
{{if .}}
  <p>Logged in as <code>{{.}}</code></p>
  <p><a href="/openid/logout?to=/">Log out</a></p>
{{else}}
  <form action="/openid/login" method="post">
    <input type="text" name="openid_identifier" placeholder="https://example.com/" size="40">
    <input type="hidden" name="callbackURL" value="/">
    <button type="submit">Sign in with OpenID</button>
  </form>
{{end}}
</body></html>`))

func main() {
	listenAddr := getEnv("OPENID_LISTEN_ADDR", ":8080")
	baseURL := strings.TrimSuffix(getEnv("OPENID_BASE_URL", "http://localhost:8080"), "/")

	rp := oid.New(baseURL+"/openid/callback", getEnv("OPENID_REALM", baseURL+"/"),
		getEnvBool("OPENID_STATELESS", false), getEnvBool("OPENID_STRICT", true),
		oid.NewSimpleRegistration(map[string]oid.Requirement{
			"email":    oid.Optional,
			"nickname": oid.Optional,
		}, ""),
		oid.NewAttributeExchange(map[string]oid.Requirement{
			"http://axschema.org/contact/email":       oid.Optional,
			"http://axschema.org/namePerson/friendly": oid.Optional,
		}),
	)
	associations := stores.NewMemoryAssociationStore()
	defer associations.Close()
	rp.Associations = associations
	rp.Discoveries = stores.NewMemoryDiscoveryStore(0, 0)

	auth := (&oid.OpenIDAuth{
		AppName:      "DemoRP",
		RelyingParty: rp,
		JWTSecretKey: jwtSecretKey(),
	}).EnsureDefaults()

	router := mux.NewRouter()
	auth.RegisterRoutes(router)
	router.Handle("/", auth.Middleware.ExtractUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := homePage.Execute(w, oid.ClaimedIdentifierFromContext(r.Context())); err != nil {
			log.Printf("rendering home page: %v", err)
		}
	})))
	router.Handle("/me", auth.Middleware.EnsureUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, oid.ClaimedIdentifierFromContext(r.Context()))
	})))

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      auth.Session.LoadAndSave(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("Relying party listening on %s (return URL %s)", listenAddr, rp.ReturnURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	var grpcServer *grpc.Server
	if grpcAddr := os.Getenv("OPENID_GRPC_ADDR"); grpcAddr != "" {
		grpcServer = newGRPCServer(auth)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", grpcAddr, err)
		}
		go func() {
			log.Printf("gRPC listening on %s", grpcAddr)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server stopped: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
}

// newGRPCServer accepts the identity tokens issued at login as bearer
// credentials. Health checks stay public.
func newGRPCServer(auth *oid.OpenIDAuth) *grpc.Server {
	config := oidgrpc.NewPublicMethodsConfig(
		"/grpc.health.v1.Health/Check",
		"/grpc.health.v1.Health/List",
		"/grpc.health.v1.Health/Watch",
	)
	config.VerifyToken = auth.Middleware.VerifyToken

	server := grpc.NewServer(
		grpc.UnaryInterceptor(oidgrpc.UnaryAuthInterceptor(config)),
		grpc.StreamInterceptor(oidgrpc.StreamAuthInterceptor(config)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}

// jwtSecretKey reads $OPENID_JWT_SECRET_KEY. Without it a random key is used,
// so identity cookies do not survive a restart.
func jwtSecretKey() string {
	if key := strings.TrimSpace(os.Getenv("OPENID_JWT_SECRET_KEY")); key != "" {
		return key
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("Failed to generate JWT secret: %v", err)
	}
	log.Println("OPENID_JWT_SECRET_KEY not set, using a random signing key")
	return hex.EncodeToString(buf)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}
