// Package httpapi is the HTTP edge of the identity provider core: it owns
// request decoding, response envelopes, and routing, and otherwise
// contains no business logic — every decision is delegated to
// internal/identity and internal/oauthcore.
//
// Grounded on dexidp/dex's server/server.go router composition (gorilla/mux
// route registration, gorilla/handlers CORS, a per-request header/logging
// wrapper) and server/http.go's per-handler method-check + JSON-write shape,
// narrowed to this package's fixed route table.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/dexidp/idpd/internal/coreerr"
	"github.com/dexidp/idpd/internal/corelog"
	"github.com/dexidp/idpd/internal/identity"
	"github.com/dexidp/idpd/internal/metrics"
	"github.com/dexidp/idpd/internal/oauthcore"
	"github.com/dexidp/idpd/internal/session"
	"github.com/dexidp/idpd/internal/token"
)

// Config parameterizes the router.
type Config struct {
	Identity *identity.Service
	OAuth    *oauthcore.Service
	Cookies  *session.Adapter
	Codec    *token.Codec
	Logger   corelog.Logger
	Metrics  *metrics.Metrics
	Health   func() error

	// AllowedOrigins enables CORS on the JSON endpoints for these origins.
	// Empty disables CORS.
	AllowedOrigins []string

	// RequireEmailVerified, when set, gates /auth/me on the same policy as
	// oauthcore.Service.RequireEmailVerified applies to /oauth/authorize:
	// here a bearer token for an unverified account is rejected with
	// Forbidden, while /oauth/authorize redirects such a session to login.
	RequireEmailVerified bool
}

// NewRouter builds the full route table of the HTTP edge.
func NewRouter(cfg Config) http.Handler {
	r := mux.NewRouter().SkipClean(true)
	r.NotFoundHandler = http.HandlerFunc(notFound)

	a := &api{cfg: cfg}

	withLog := func(name string, h http.HandlerFunc) http.Handler {
		return loggingMiddleware(cfg.Logger, name, h)
	}

	r.Handle("/auth/register", withLog("register", a.handleRegister)).Methods(http.MethodPost)
	r.Handle("/auth/login", withLog("login", a.handleLogin)).Methods(http.MethodPost)
	r.Handle("/auth/refresh", withLog("refresh", a.handleRefresh)).Methods(http.MethodPost)
	r.Handle("/auth/logout", withLog("logout", a.handleLogout)).Methods(http.MethodPost)
	r.Handle("/auth/me", withLog("me", a.handleMe)).Methods(http.MethodGet)
	r.Handle("/oauth/authorize", withLog("authorize", a.handleAuthorize)).Methods(http.MethodGet)
	r.Handle("/oauth/token", withLog("token", a.handleToken)).Methods(http.MethodPost)
	r.Handle("/healthz", withLog("healthz", a.handleHealthz)).Methods(http.MethodGet)

	var h http.Handler = r
	if len(cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			handlers.AllowCredentials(),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		)(h)
	}
	return h
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, coreerr.New(coreerr.KindValidation, "no such route"))
}

func loggingMiddleware(logger corelog.Logger, name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if logger != nil {
			logger.WithField("route", name).WithField("status", sw.status).
				Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// api holds the handler methods; it never embeds business logic beyond
// decode -> delegate -> encode.
type api struct {
	cfg Config
}

// envelope is the {success, message, error} JSON response shape shared
// by every handler.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// statusForKind maps a coreerr.Kind to an HTTP status table.
func statusForKind(k coreerr.Kind) int {
	switch k {
	case coreerr.KindValidation:
		return http.StatusBadRequest
	case coreerr.KindConflict:
		return http.StatusConflict
	case coreerr.KindInvalidCredentials, coreerr.KindInvalidToken, coreerr.KindInvalidClient:
		return http.StatusUnauthorized
	case coreerr.KindForbidden:
		return http.StatusForbidden
	case coreerr.KindUnknownClient, coreerr.KindBadRedirect, coreerr.KindInvalidGrant:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	ce, ok := coreerr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
		return
	}
	msg := ce.Message
	if ce.Tag != "" {
		msg = ce.Tag
	}
	writeJSON(w, statusForKind(ce.Kind), envelope{Success: false, Error: msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- /auth/register ---

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, coreerr.New(coreerr.KindValidation, "malformed request body"))
		return
	}
	u, err := a.cfg.Identity.Register(r.Context(), identity.RegisterInput{
		Email: req.Email, Username: req.Username, Password: req.Password, Name: req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "account created", u)
}

// --- /auth/login ---

type loginRequest struct {
	Identifier  string `json:"identifier"`
	Password    string `json:"password"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	State       string `json:"state"`
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, coreerr.New(coreerr.KindValidation, "malformed request body"))
		return
	}

	// Dispatch on presence of client_id/redirect_uri; the service itself
	// never branches on this.
	if req.ClientID != "" && req.RedirectURI != "" {
		u, access, refresh, redirectURL, err := a.cfg.OAuth.LoginAndStartOAuth(
			r.Context(), req.Identifier, req.Password, req.ClientID, req.RedirectURI, req.State)
		if err != nil {
			writeError(w, err)
			return
		}
		a.cfg.Cookies.WriteAuthCookies(w, access, refresh)
		a.cfg.Cookies.WriteSSOCookie(w, access)
		_ = u
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	u, access, refresh, err := a.cfg.OAuth.LoginDirect(r.Context(), req.Identifier, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	a.cfg.Cookies.WriteAuthCookies(w, access, refresh)
	a.cfg.Cookies.WriteSSOCookie(w, access)
	writeOK(w, http.StatusOK, "logged in", map[string]interface{}{
		"user":         u.Public(),
		"access_token": access,
		"refresh_token": refresh,
	})
}

// --- /auth/refresh ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	// Body is optional: the refresh token may arrive only via cookie.
	_ = decodeJSON(r, &req)

	raw, ok := session.ExtractRefresh(r, req.RefreshToken)
	if !ok {
		writeError(w, coreerr.New(coreerr.KindInvalidToken, "missing refresh token"))
		return
	}

	access, err := a.cfg.Identity.Refresh(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	a.cfg.Cookies.WriteAuthCookies(w, access, raw)
	writeOK(w, http.StatusOK, "token refreshed", map[string]string{"access_token": access})
}

// --- /auth/logout ---

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = decodeJSON(r, &req)
	if raw, ok := session.ExtractRefresh(r, req.RefreshToken); ok {
		if err := a.cfg.Identity.Revoke(r.Context(), raw); err != nil {
			writeError(w, err)
			return
		}
	}
	a.cfg.Cookies.ClearAll(w)
	writeOK(w, http.StatusOK, "logged out", nil)
}

// --- /auth/me ---

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	raw, ok := session.ExtractBearer(r)
	if !ok {
		writeError(w, coreerr.New(coreerr.KindInvalidToken, "missing access token"))
		return
	}
	info, err := a.cfg.Codec.VerifyAccess(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.cfg.RequireEmailVerified && !info.EmailVerified {
		writeError(w, coreerr.New(coreerr.KindForbidden, "email verification required"))
		return
	}
	writeOK(w, http.StatusOK, "", info)
}

// --- /oauth/authorize ---

func (a *api) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var ssoUser *token.UserInfo
	if info, err := a.cfg.Cookies.ReadSSOSession(r); err == nil {
		ssoUser = &info
	}

	result, err := a.cfg.OAuth.Authorize(r.Context(), oauthcore.AuthorizeRequest{
		ClientID:     q.Get("client_id"),
		RedirectURI:  q.Get("redirect_uri"),
		ResponseType: q.Get("response_type"),
		State:        q.Get("state"),
		SSOUser:      ssoUser,
	})
	if err != nil {
		// Validation/client/redirect failures never redirect to an
		// unvalidated redirect_uri; they render as a
		// JSON error instead.
		writeError(w, err)
		return
	}

	switch result.Outcome {
	case oauthcore.OutcomeIssuedCode:
		redirectWithParams(w, r, result.RedirectURI, map[string]string{
			"code": result.Code, "state": result.State,
		})
	case oauthcore.OutcomeNeedsLogin:
		redirectWithParams(w, r, "/login", map[string]string{
			"client_id": q.Get("client_id"), "redirect_uri": result.RedirectURI, "state": result.State,
		})
	}
}

func redirectWithParams(w http.ResponseWriter, r *http.Request, base string, params map[string]string) {
	u, err := url.Parse(base)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindInternal, "build redirect", err))
		return
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// --- /oauth/token ---

func (a *api) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, coreerr.New(coreerr.KindValidation, "malformed form body"))
		return
	}
	resp, err := a.cfg.OAuth.Exchange(r.Context(), oauthcore.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- /healthz ---

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Health != nil {
		if err := a.cfg.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
}
