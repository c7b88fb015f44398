// Package auth verifies configured users and tracks their login sessions.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// CookieName is the session cookie set on login.
const CookieName = "koala_session"

// userContextKey is where RequireAuth stores the logged-in user on the echo context.
const userContextKey = "auth.user"

// ErrInvalidCredentials is returned when a username or password does not match.
var ErrInvalidCredentials = errors.New("invalid username or password")

// dummyHash is compared against for unknown users so both paths cost a bcrypt check.
//
//nolint:gochecknoglobals // computed once on first failed lookup
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("koala"), bcrypt.DefaultCost)
	return hash
})

type session struct {
	user    string
	expires time.Time
}

// Authenticator checks passwords against bcrypt hashes and keeps an
// in-memory session table keyed by random cookie tokens.
type Authenticator struct {
	users        map[string]string
	ttl          time.Duration
	secureCookie bool
	now          func() time.Time
	logger       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]session
}

// Option is a functional option for configuring the Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger for the authenticator.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithSessionTTL sets how long a session stays valid after login.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		a.ttl = ttl
	}
}

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) Option {
	return func(a *Authenticator) {
		a.secureCookie = secure
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// DefaultSessionTTL is used when no TTL is configured.
const DefaultSessionTTL = 7 * 24 * time.Hour

// New creates an Authenticator for users, a map of username to bcrypt hash.
// With no users configured authentication is disabled.
func New(users map[string]string, opts ...Option) *Authenticator {
	a := &Authenticator{
		users:    users,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		logger:   zerolog.Nop(),
		sessions: make(map[string]session),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Enabled reports whether any users are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.users) > 0
}

// Login verifies the credentials and opens a session, returning its token.
func (a *Authenticator) Login(user, password string) (string, error) {
	hash, ok := a.users[user]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.pruneLocked()
	a.sessions[token] = session{user: user, expires: a.now().Add(a.ttl)}
	a.mu.Unlock()

	a.logger.Info().Str("user", user).Msg("user logged in")
	return token, nil
}

// Logout ends the session for token. Unknown tokens are ignored.
func (a *Authenticator) Logout(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, token)
}

// Lookup returns the user owning token if the session is still valid.
func (a *Authenticator) Lookup(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[token]
	if !ok {
		return "", false
	}
	if !a.now().Before(s.expires) {
		delete(a.sessions, token)
		return "", false
	}
	return s.user, true
}

// SessionCount returns the number of stored sessions, expired ones included.
func (a *Authenticator) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Authenticator) pruneLocked() {
	now := a.now()
	for token, s := range a.sessions {
		if !now.Before(s.expires) {
			delete(a.sessions, token)
		}
	}
}

// SetCookie writes the session cookie for token.
func (a *Authenticator) SetCookie(c echo.Context, token string) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.ttl.Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (a *Authenticator) ClearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Token returns the session token sent with the request, if any.
func Token(c echo.Context) string {
	cookie, err := c.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// CurrentUser returns the user RequireAuth attached to the request.
func CurrentUser(c echo.Context) string {
	user, _ := c.Get(userContextKey).(string)
	return user
}

// User resolves the session of the request without enforcing it.
func (a *Authenticator) User(c echo.Context) (string, bool) {
	if !a.Enabled() {
		return "", true
	}
	return a.Lookup(Token(c))
}

// RequireAuth rejects requests without a valid session with a 401 JSON body.
// It is a no-op when authentication is disabled.
func (a *Authenticator) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.Enabled() {
				return next(c)
			}

			user, ok := a.Lookup(Token(c))
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"ok":    false,
					"error": "Unauthorized",
					"code":  http.StatusUnauthorized,
				})
			}

			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
