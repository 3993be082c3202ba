package openid

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"
)

// HandleUserFunc is called once an assertion has been verified. authtype is
// "openid", provider is the host of the provider endpoint and userInfo holds
// the claimed identifier plus any extension attributes.
type HandleUserFunc func(authtype, provider string, token *oauth2.Token, userInfo map[string]any, w http.ResponseWriter, r *http.Request)

const (
	stateSessionVar       = "openidState"
	callbackURLSessionVar = "openidCallbackURL"
)

// OpenIDAuth serves the browser side of an OpenID login: it starts the
// redirect to the provider and verifies the provider's callback.
type OpenIDAuth struct {
	// Must be passed in
	RelyingParty *RelyingParty

	Session    *scs.SessionManager
	Middleware Middleware

	// Optional name that can be used as a prefix for all required vars
	AppName string

	// Name of the session variable and cookie where the auth token is stored
	AuthTokenSessionVar string

	// All the domains where the auth token cookies will be set on a login success or logout
	CookieDomains []string

	// JWT related fields
	JwtIssuer    string
	JWTSecretKey string

	// How long the identity cookie is valid for. Defaults to 1 day
	SessionTimeoutInSeconds int

	// Where the user lands after login when no callbackURL was given
	DefaultRedirectURL string

	// Called after a successful verification. Defaults to SaveUserAndRedirect.
	HandleUser HandleUserFunc
}

// DevJWTSecretKey signs identity tokens when no key is configured. It is public;
// set JWTSecretKey or $OPENID_JWT_SECRET_KEY outside of development.
const DevJWTSecretKey = "MyTestJWTSecretKey123456"

func NewOpenIDAuth(appName string, rp *RelyingParty) *OpenIDAuth {
	return (&OpenIDAuth{AppName: appName, RelyingParty: rp}).EnsureDefaults()
}

// EnsureDefaults fills unset fields. Call it once while configuring, before
// the handlers serve requests.
func (a *OpenIDAuth) EnsureDefaults() *OpenIDAuth {
	if a.AppName == "" {
		a.AppName = "OpenID"
	}
	if a.RelyingParty == nil {
		a.RelyingParty = &RelyingParty{}
	}
	a.RelyingParty.EnsureDefaults()
	if a.Session == nil {
		a.Session = scs.New()
	}
	if a.SessionTimeoutInSeconds <= 0 {
		a.SessionTimeoutInSeconds = 86400
	}
	if a.JwtIssuer == "" {
		a.JwtIssuer = fmt.Sprintf("%s-Issuer", a.AppName)
	}
	if a.AuthTokenSessionVar == "" {
		a.AuthTokenSessionVar = fmt.Sprintf("%sAuthToken", a.AppName)
	}
	if a.JWTSecretKey == "" {
		a.JWTSecretKey = strings.TrimSpace(os.Getenv("OPENID_JWT_SECRET_KEY"))
		if a.JWTSecretKey == "" {
			log.Println("WARNING: OPENID_JWT_SECRET_KEY is not set, identity tokens are signed with the public development key")
			a.JWTSecretKey = DevJWTSecretKey
		}
	}
	if a.DefaultRedirectURL == "" {
		a.DefaultRedirectURL = "/"
	}
	if a.HandleUser == nil {
		a.HandleUser = a.SaveUserAndRedirect
	}

	if a.Middleware.AuthTokenCookieName == "" {
		a.Middleware.AuthTokenCookieName = a.AuthTokenSessionVar
	}
	if a.Middleware.VerifyToken == nil {
		a.Middleware.VerifyToken = a.verifyJWT
	}
	if a.Middleware.SessionGetter == nil {
		session := a.Session
		a.Middleware.SessionGetter = func(r *http.Request, param string) any {
			return session.Get(r.Context(), param)
		}
	}
	return a
}

// RegisterRoutes adds the login, callback and logout routes under /openid/ on rg.
// The routes need the session middleware, see Handler.
func (a *OpenIDAuth) RegisterRoutes(rg *mux.Router) {
	a.EnsureDefaults()
	rg.HandleFunc("/openid/login", a.onLogin).Methods(http.MethodGet, http.MethodPost)
	rg.HandleFunc("/openid/callback", a.onCallback).Methods(http.MethodGet, http.MethodPost)
	rg.HandleFunc("/openid/logout", a.onLogout)
}

// Handler returns a router with the OpenID routes wrapped in session handling
func (a *OpenIDAuth) Handler() http.Handler {
	r := mux.NewRouter()
	a.RegisterRoutes(r)
	return a.Session.LoadAndSave(r)
}

func (a *OpenIDAuth) onLogin(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimSpace(r.FormValue("openid_identifier"))
	if identifier == "" {
		http.Error(w, "openid_identifier is required", http.StatusBadRequest)
		return
	}
	if a.RelyingParty.ReturnURL == "" {
		log.Println("OpenID login attempted without a configured return URL")
		http.Error(w, "OpenID return URL is not configured", http.StatusInternalServerError)
		return
	}

	// the state is echoed back inside return_to and must match the session on callback
	state := uuid.NewString()
	returnURL, err := withQueryParam(a.RelyingParty.ReturnURL, "state", state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.Session.Put(r.Context(), stateSessionVar, state)
	if callbackURL := r.FormValue("callbackURL"); callbackURL != "" {
		if a.isLocalRedirect(callbackURL) {
			a.Session.Put(r.Context(), callbackURLSessionVar, callbackURL)
		} else {
			log.Printf("Ignoring off-site callbackURL %q", callbackURL)
		}
	}

	immediate := r.FormValue("immediate") == "true"
	redirectURL, err := a.RelyingParty.AuthenticateTo(r.Context(), identifier, returnURL, immediate)
	if err != nil {
		log.Printf("OpenID login failed for %q: %v", identifier, err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrInvalidIdentifier) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (a *OpenIDAuth) onCallback(w http.ResponseWriter, r *http.Request) {
	expected := a.Session.PopString(r.Context(), stateSessionVar)
	if expected == "" || r.FormValue("state") != expected {
		log.Println("OpenID callback with missing or unknown state")
		http.Error(w, "invalid login state", http.StatusBadRequest)
		return
	}

	result, err := a.RelyingParty.VerifyRequest(r.Context(), r)
	if err != nil || !result.Authenticated {
		log.Printf("OpenID assertion rejected: %s", result.Reason)
		status := http.StatusUnauthorized
		if errors.Is(err, ErrAssertionCancelled) {
			status = http.StatusForbidden
		}
		http.Error(w, result.Reason, status)
		return
	}
	if result.ClaimedIdentifier == "" {
		http.Error(w, "assertion does not identify a user", http.StatusUnauthorized)
		return
	}

	userInfo := map[string]any{
		"claimed_id": result.ClaimedIdentifier,
		"endpoint":   result.Endpoint,
	}
	for k, v := range result.Attributes {
		userInfo[k] = v
	}
	// OpenID has no access token; the OAuth hybrid request token rides in its place
	token := (&oauth2.Token{
		AccessToken: result.Attributes["request_token"],
		TokenType:   "openid",
		Expiry:      time.Now().Add(time.Duration(a.SessionTimeoutInSeconds) * time.Second),
	}).WithExtra(map[string]any{"claimed_id": result.ClaimedIdentifier})

	a.HandleUser("openid", providerHost(result.Endpoint), token, userInfo, w, r)
}

func (a *OpenIDAuth) onLogout(w http.ResponseWriter, r *http.Request) {
	log.Println("Logging out user...")
	a.setLoggedInUser("", w, r)
	toURL := r.URL.Query().Get("to")
	if toURL == "" || !a.isLocalRedirect(toURL) {
		fmt.Fprintf(w, "Logged Out")
		return
	}
	http.Redirect(w, r, toURL, http.StatusFound)
}

// SaveUserAndRedirect is the default HandleUser: it issues the identity
// cookie for the claimed identifier and sends the user back to where the
// login started.
func (a *OpenIDAuth) SaveUserAndRedirect(authtype, provider string, token *oauth2.Token, userInfo map[string]any, w http.ResponseWriter, r *http.Request) {
	claimedID, _ := userInfo["claimed_id"].(string)
	if claimedID == "" {
		http.Error(w, "no claimed identifier", http.StatusUnauthorized)
		return
	}
	log.Printf("OpenID login via %s (%s): %s", provider, authtype, claimedID)
	a.setLoggedInUser(claimedID, w, r)

	callbackURL := a.Session.PopString(r.Context(), callbackURLSessionVar)
	if callbackURL == "" || !a.isLocalRedirect(callbackURL) {
		callbackURL = a.DefaultRedirectURL
	}
	http.Redirect(w, r, callbackURL, http.StatusFound)
}

func (a *OpenIDAuth) verifyJWT(tokenString string) (claimedID string, t any, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(a.JWTSecretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.JwtIssuer))
	if err != nil {
		return "", nil, err
	}
	if !token.Valid {
		return "", nil, fmt.Errorf("invalid token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", nil, err
	} else if sub == "" {
		return "", nil, fmt.Errorf("subject not found")
	}
	return sub, token, nil
}

// IssueToken signs an identity token for claimedID
func (a *OpenIDAuth) IssueToken(claimedID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": claimedID,
		"iss": a.JwtIssuer,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(a.SessionTimeoutInSeconds) * time.Second).Unix(),
	})
	return token.SignedString([]byte(a.JWTSecretKey))
}

// setLoggedInUser sets the identity session values and cookies on every
// configured domain. An empty claimedID logs the user out.
func (a *OpenIDAuth) setLoggedInUser(claimedID string, w http.ResponseWriter, r *http.Request) string {
	domains := slices.Clone(a.CookieDomains)
	if slices.Index(domains, "") < 0 { // default domain
		domains = append(domains, "")
	}

	if claimedID == "" {
		if err := a.Session.Clear(r.Context()); err != nil {
			slog.Warn("error clearing session", "err", err)
		}
		for _, cookieDomain := range domains {
			http.SetCookie(w, &http.Cookie{
				Name:    a.AuthTokenSessionVar,
				Domain:  cookieDomain,
				Path:    "/",
				MaxAge:  -1,
				Expires: time.Now(),
			})
		}
		return ""
	}

	tokenString, err := a.IssueToken(claimedID)
	if err != nil {
		slog.Warn("error signing token", "err", err)
		return ""
	}
	if err := a.Session.RenewToken(r.Context()); err != nil {
		slog.Warn("error renewing session token", "err", err)
	}
	a.Session.Put(r.Context(), a.Middleware.userParamName(), claimedID)
	a.Session.Put(r.Context(), a.AuthTokenSessionVar, tokenString)
	for _, cookieDomain := range domains {
		http.SetCookie(w, &http.Cookie{
			Name:     a.AuthTokenSessionVar,
			Value:    tokenString,
			Domain:   cookieDomain,
			Path:     "/",
			HttpOnly: true,
			Expires:  time.Now().Add(time.Second * time.Duration(a.SessionTimeoutInSeconds)),
			MaxAge:   a.SessionTimeoutInSeconds,
		})
	}
	return tokenString
}

// isLocalRedirect accepts paths on this site and absolute URLs on the host of
// the configured return URL
func (a *OpenIDAuth) isLocalRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil || strings.Contains(target, "\\") {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(target, "//")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	returnURL, err := url.Parse(a.RelyingParty.ReturnURL)
	return err == nil && returnURL.Host != "" && strings.EqualFold(u.Host, returnURL.Host)
}

func withQueryParam(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bad return URL %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func providerHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Hostname()
}
