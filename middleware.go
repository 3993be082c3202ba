package openid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

type claimedIDKey struct{}

// Middleware makes the logged in claimed identifier available to handlers
type Middleware struct {
	AuthTokenHeaderName string
	AuthTokenCookieName string
	UserParamName       string
	CallbackURLParam    string
	SessionGetter       func(r *http.Request, param string) any
	GetRedirURL         func(r *http.Request) string
	VerifyToken         func(tokenString string) (claimedID string, token any, err error)
}

/**
 * Ensures that config values have reasonable defaults.
 */
func (a *Middleware) EnsureReasonableDefaults() {
	if a.UserParamName == "" {
		a.UserParamName = "claimedIdentifier"
	}
	if a.CallbackURLParam == "" {
		a.CallbackURLParam = "callbackURL"
	}
	if a.AuthTokenHeaderName == "" {
		a.AuthTokenHeaderName = "Authorization"
	}
}

// the accessors below apply the defaults without writing them, so a shared
// Middleware can serve concurrent requests
func (a *Middleware) userParamName() string {
	if a.UserParamName == "" {
		return "claimedIdentifier"
	}
	return a.UserParamName
}

func (a *Middleware) callbackURLParam() string {
	if a.CallbackURLParam == "" {
		return "callbackURL"
	}
	return a.CallbackURLParam
}

func (a *Middleware) authTokenHeaderName() string {
	if a.AuthTokenHeaderName == "" {
		return "Authorization"
	}
	return a.AuthTokenHeaderName
}

// ClaimedIdentifierFromContext returns the identifier stored by ExtractUser or EnsureUser
func ClaimedIdentifierFromContext(ctx context.Context) string {
	v, _ := ctx.Value(claimedIDKey{}).(string)
	return v
}

// GetClaimedIdentifier looks for the logged in identity in the request
// context, then the session, then any bearer token or identity cookie.
func (a *Middleware) GetClaimedIdentifier(r *http.Request) string {
	if id := ClaimedIdentifierFromContext(r.Context()); id != "" {
		return id
	}

	if a.SessionGetter != nil {
		if id, ok := a.SessionGetter(r, a.userParamName()).(string); ok && id != "" {
			return id
		}
	}

	if a.VerifyToken == nil {
		slog.Warn("No auth token verifier found.  Please set one")
		return ""
	}

	var authTokens []string
	for _, h := range r.Header.Values(a.authTokenHeaderName()) {
		authTokens = append(authTokens, strings.TrimPrefix(h, "Bearer "))
	}
	for _, cookie := range r.CookiesNamed(a.AuthTokenCookieName) {
		if len(cookie.Value) > 0 {
			authTokens = append(authTokens, cookie.Value)
		}
	}

	for _, authToken := range authTokens {
		claimedID, _, err := a.VerifyToken(authToken)
		if err == nil && claimedID != "" {
			return claimedID
		} else if err != nil {
			slog.Warn("Error verifying token", "error", err)
		}
	}
	return ""
}

/**
 * Fetches the claimed identifier from the request and makes it available to
 * downstream handlers via ClaimedIdentifierFromContext.
 *
 * Note this does not perform any redirects if no identity is found.
 * To also enforce a login, use EnsureUser.
 */
func (a *Middleware) ExtractUser(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, withClaimedIdentifier(a.GetClaimedIdentifier(r), r))
	})
}

func (a *Middleware) EnsureUser(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimedID := a.GetClaimedIdentifier(r)
		if claimedID != "" {
			next.ServeHTTP(w, withClaimedIdentifier(claimedID, r))
			return
		}

		// Redirect to a login if user not logged in
		redirURL := ""
		if a.GetRedirURL != nil {
			redirURL = a.GetRedirURL(r)
		}
		if redirURL == "" {
			http.Error(w, "Login Failed", http.StatusUnauthorized)
			return
		}
		encodedURL := strings.Replace(url.QueryEscape(r.URL.Path), "+", "%20", -1)
		http.Redirect(w, r, fmt.Sprintf("%s?%s=%s", redirURL, a.callbackURLParam(), encodedURL), http.StatusFound)
	})
}

func withClaimedIdentifier(claimedID string, r *http.Request) *http.Request {
	if claimedID == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), claimedIDKey{}, claimedID))
}
