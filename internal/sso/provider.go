package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"pollbot/api/internal/auth"
	"pollbot/api/internal/session"
)

const sessionCookieName = "pollbot_sso"

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, identity session.Identity, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (session.Identity, error)
	Revoke(ctx context.Context, tokenHash string) error
}

// Principal is the samlsp.Session handed to protected handlers.
type Principal struct {
	session.Identity
}

func (p Principal) GetAttributes() samlsp.Attributes {
	return samlsp.Attributes(p.Attributes)
}

// cookieSessions implements samlsp.SessionProvider on top of the Redis store.
// The cookie carries an opaque token; Redis only ever sees its hash.
type cookieSessions struct {
	store  sessionStore
	ttl    time.Duration
	secure bool
}

var _ samlsp.SessionProvider = (*cookieSessions)(nil)

func (c *cookieSessions) CreateSession(w http.ResponseWriter, r *http.Request, assertion *saml.Assertion) error {
	identity := identityFromAssertion(assertion)
	if identity.NameID == "" {
		return errors.New("assertion has no subject name id")
	}

	token, err := auth.NewSessionToken()
	if err != nil {
		return err
	}
	if err := c.store.Save(r.Context(), auth.HashToken(token), identity, c.ttl); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (c *cookieSessions) DeleteSession(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return c.store.Revoke(r.Context(), auth.HashToken(cookie.Value))
}

// GetSession returns samlsp.ErrNoSession when the request carries no live session.
func (c *cookieSessions) GetSession(r *http.Request) (samlsp.Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, samlsp.ErrNoSession
	}
	identity, err := c.store.Lookup(r.Context(), auth.HashToken(cookie.Value))
	if errors.Is(err, session.ErrNotFound) {
		return nil, samlsp.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load sso session: %w", err)
	}
	return Principal{Identity: identity}, nil
}

func identityFromAssertion(assertion *saml.Assertion) session.Identity {
	identity := session.Identity{
		Attributes: map[string][]string{},
		CreatedAt:  time.Now().UTC(),
	}
	if assertion == nil {
		return identity
	}
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		identity.NameID = assertion.Subject.NameID.Value
	}
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			name := attr.Name
			if name == "" {
				name = attr.FriendlyName
			}
			for _, value := range attr.Values {
				identity.Attributes[name] = append(identity.Attributes[name], value.Value)
			}
		}
	}
	return identity
}
