// Package session implements the cookie & session adapter (C6): the three
// cookies the identity provider sets and their scoping rules.
//
// Grounded on the boundary-adapter split dexidp/dex's session/manager
// package models (a dedicated package owning one concern's I/O boundary),
// adapted here to plain signed-JWT cookies rather than dex's opaque
// session-ID indirection, since the cookies carry the JWTs directly.
package session

import (
	"net/http"
	"time"

	"github.com/dexidp/idpd/internal/coreerr"
	"github.com/dexidp/idpd/internal/token"
)

const (
	CookieSSO     = "sso_session"
	CookieAccess  = "access_token"
	CookieRefresh = "refresh_token"
)

// Config parameterizes cookie scoping/§6.
type Config struct {
	// SSODomain is the parent suffix shared by the IdP and all RP
	// origins. Empty means host-only (acceptable for local development;
	// production requires a real parent suffix).
	SSODomain string

	// Production flips cookie Secure on and off.
	Production bool

	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Adapter writes, reads, and clears the three cookies.
type Adapter struct {
	Config Config
	Codec  *token.Codec
}

func (a *Adapter) baseCookie(name, value string, maxAge time.Duration, domain string) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.Config.Production,
		SameSite: http.SameSiteLaxMode,
	}
	if domain != "" {
		c.Domain = domain
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
	}
	return c
}

// WriteAuthCookies sets access_token and refresh_token, scoped to the IdP
// host only.
func (a *Adapter) WriteAuthCookies(w http.ResponseWriter, access, refresh string) {
	http.SetCookie(w, a.baseCookie(CookieAccess, access, a.Config.AccessTTL, ""))
	http.SetCookie(w, a.baseCookie(CookieRefresh, refresh, a.Config.RefreshTTL, ""))
}

// WriteSSOCookie sets sso_session, scoped to the shared parent suffix. The
// login handler calls it after successful credential authentication; the
// /oauth/token handler does not set it. The cookie carries the signed
// access-token JWT, verified identically to the access_token cookie by
// /authorize.
func (a *Adapter) WriteSSOCookie(w http.ResponseWriter, access string) {
	ttl := a.Config.AccessTTL
	if ttl <= 0 {
		ttl = token.DefaultAccessTTL
	}
	http.SetCookie(w, a.baseCookie(CookieSSO, access, ttl, a.Config.SSODomain))
}

// ReadSSOSession is called exclusively from /authorize. It
// returns the verified user info, or a coreerr.KindInvalidToken error when
// the cookie is absent or fails verification — callers use this to decide
// whether to silently recognize the session or redirect to login.
func (a *Adapter) ReadSSOSession(r *http.Request) (token.UserInfo, error) {
	c, err := r.Cookie(CookieSSO)
	if err != nil {
		return token.UserInfo{}, coreerr.New(coreerr.KindInvalidToken, "no sso session")
	}
	return a.Codec.VerifyAccess(c.Value)
}

// ClearAll clears all three cookies, used by logout.
func (a *Adapter) ClearAll(w http.ResponseWriter) {
	expired := a.baseCookie(CookieAccess, "", 0, "")
	expired.MaxAge = -1
	http.SetCookie(w, expired)

	expiredRefresh := a.baseCookie(CookieRefresh, "", 0, "")
	expiredRefresh.MaxAge = -1
	http.SetCookie(w, expiredRefresh)

	expiredSSO := a.baseCookie(CookieSSO, "", 0, a.Config.SSODomain)
	expiredSSO.MaxAge = -1
	http.SetCookie(w, expiredSSO)
}

// ExtractBearer returns the access token from a request, preferring the
// access_token cookie over an Authorization: Bearer header.
func ExtractBearer(r *http.Request) (string, bool) {
	if c, err := r.Cookie(CookieAccess); err == nil && c.Value != "" {
		return c.Value, true
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):], true
	}
	return "", false
}

// ExtractRefresh returns the refresh token from a request, preferring the
// refresh_token cookie, falling back to a JSON body value the edge layer
// already parsed.
func ExtractRefresh(r *http.Request, bodyValue string) (string, bool) {
	if c, err := r.Cookie(CookieRefresh); err == nil && c.Value != "" {
		return c.Value, true
	}
	if bodyValue != "" {
		return bodyValue, true
	}
	return "", false
}
