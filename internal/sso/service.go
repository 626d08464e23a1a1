// Package sso is the SAML service provider guarding the API when single
// sign-on is configured.
package sso

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"pollbot/api/internal/certs"
	"pollbot/api/internal/config"
	"pollbot/api/internal/session"
)

const metadataContentType = "application/samlmetadata+xml"

var (
	ErrAuthenticationFailed = errors.New("saml authentication failed")
	ErrNotConfigured        = errors.New("sso is not configured")
)

// AuthenticationError carries a reason that is safe to show the browser.
// The underlying cause stays in logs.
type AuthenticationError struct {
	Reason string
	cause  error
}

func (e *AuthenticationError) Error() string {
	if e.cause == nil {
		return ErrAuthenticationFailed.Error() + ": " + e.Reason
	}
	return ErrAuthenticationFailed.Error() + ": " + e.Reason + ": " + e.cause.Error()
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthenticationFailed }

func (e *AuthenticationError) Unwrap() error { return e.cause }

func authFailure(reason string, cause error) error {
	return &AuthenticationError{Reason: reason, cause: cause}
}

// Service runs the redirect login ceremony and resolves the signed-in user.
type Service struct {
	middleware *samlsp.Middleware
	sessions   *cookieSessions
	debug      *slog.Logger
}

// New configures the service provider from cfg. debug receives diagnostics
// about the ceremony; pass a discarding logger to silence them.
func New(cfg config.SSOConfig, pair certs.KeyPair, store sessionStore, ttl time.Duration, debug *slog.Logger) (*Service, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if debug == nil {
		debug = slog.New(slog.DiscardHandler)
	}

	idpCert, err := certs.ParseCertificate(cfg.IDPCert)
	if err != nil {
		return nil, fmt.Errorf("idp certificate: %w", err)
	}
	rootURL, err := url.Parse(cfg.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("public url: %w", err)
	}
	acsURL, err := url.Parse(cfg.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("callback url: %w", err)
	}
	metadataURL, err := url.Parse(cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("issuer url: %w", err)
	}

	middleware, err := samlsp.New(samlsp.Options{
		EntityID:    cfg.Issuer,
		URL:         *rootURL,
		Key:         pair.Key,
		Certificate: pair.Certificate,
		IDPMetadata: identityProviderMetadata(cfg, idpCert),
	})
	if err != nil {
		return nil, fmt.Errorf("configure saml: %w", err)
	}
	middleware.ServiceProvider.AcsURL = *acsURL
	middleware.ServiceProvider.MetadataURL = *metadataURL

	sessions := &cookieSessions{store: store, ttl: ttl, secure: acsURL.Scheme == "https"}
	middleware.Session = sessions

	debug.Info("sso strategy ready",
		"entity_id", cfg.Issuer,
		"acs_url", acsURL.String(),
		"idp_entry_point", cfg.EntryPoint,
	)

	return &Service{middleware: middleware, sessions: sessions, debug: debug}, nil
}

func identityProviderMetadata(cfg config.SSOConfig, idpCert *x509.Certificate) *saml.EntityDescriptor {
	entityID := cfg.IDPIssuer
	if entityID == "" {
		entityID = cfg.EntryPoint
	}
	return &saml.EntityDescriptor{
		EntityID: entityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{{
			SSODescriptor: saml.SSODescriptor{
				RoleDescriptor: saml.RoleDescriptor{
					ProtocolSupportEnumeration: "urn:oasis:names:tc:SAML:2.0:protocol",
					KeyDescriptors: []saml.KeyDescriptor{{
						Use: "signing",
						KeyInfo: saml.KeyInfo{
							X509Data: saml.X509Data{
								X509Certificates: []saml.X509Certificate{{
									Data: base64.StdEncoding.EncodeToString(idpCert.Raw),
								}},
							},
						},
					}},
				},
			},
			SingleSignOnServices: []saml.Endpoint{{
				Binding:  saml.HTTPRedirectBinding,
				Location: cfg.EntryPoint,
			}},
		}},
	}
}

// StartLogin redirects the browser to the identity provider. After a
// successful callback the browser lands on redirect.
func (s *Service) StartLogin(w http.ResponseWriter, r *http.Request, redirect string) error {
	sp := &s.middleware.ServiceProvider
	location := sp.GetSSOBindingLocation(saml.HTTPRedirectBinding)
	if location == "" {
		return errors.New("identity provider has no redirect binding")
	}
	authnRequest, err := sp.MakeAuthenticationRequest(location, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return fmt.Errorf("build authn request: %w", err)
	}

	// The request tracker remembers r.URL as the post-login destination.
	tracked := r.Clone(r.Context())
	tracked.URL = &url.URL{Path: SafeRedirect(redirect)}
	relayState, err := s.middleware.RequestTracker.TrackRequest(w, tracked, authnRequest.ID)
	if err != nil {
		return fmt.Errorf("track authn request: %w", err)
	}

	target, err := authnRequest.Redirect(relayState, sp)
	if err != nil {
		return fmt.Errorf("encode authn request: %w", err)
	}
	s.debug.Info("sso login started", "request_id", authnRequest.ID, "redirect", tracked.URL.Path)
	http.Redirect(w, r, target.String(), http.StatusFound)
	return nil
}

// HandleCallback consumes the IdP's POSTed assertion, opens a session and
// redirects to the page the login started from. Assertion problems are
// *AuthenticationError values matching ErrAuthenticationFailed.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return authFailure("malformed callback form", err)
	}
	if r.PostForm.Get("SAMLResponse") == "" {
		return authFailure("missing SAMLResponse", nil)
	}

	sp := &s.middleware.ServiceProvider
	tracker := s.middleware.RequestTracker
	possibleRequestIDs := make([]string, 0)
	if sp.AllowIDPInitiated {
		possibleRequestIDs = append(possibleRequestIDs, "")
	}
	for _, tr := range tracker.GetTrackedRequests(r) {
		possibleRequestIDs = append(possibleRequestIDs, tr.SAMLRequestID)
	}

	assertion, err := sp.ParseResponse(r, possibleRequestIDs)
	if err != nil {
		var invalid *saml.InvalidResponseError
		if errors.As(err, &invalid) {
			s.debug.Warn("sso assertion rejected", "cause", invalid.PrivateErr)
		} else {
			s.debug.Warn("sso assertion rejected", "error", err)
		}
		return authFailure("SAML response rejected", err)
	}

	redirect := "/"
	if relayState := r.Form.Get("RelayState"); relayState != "" {
		if tr, err := tracker.GetTrackedRequest(r, relayState); err == nil {
			redirect = SafeRedirect(tr.URI)
			_ = tracker.StopTrackingRequest(w, r, relayState)
		}
	}

	if err := s.sessions.CreateSession(w, r, assertion); err != nil {
		return authFailure("could not open session", err)
	}
	s.debug.Info("sso callback succeeded", "name_id", identityFromAssertion(assertion).NameID, "redirect", redirect)
	http.Redirect(w, r, redirect, http.StatusFound)
	return nil
}

// Identity returns samlsp.ErrNoSession when the request is not signed in.
func (s *Service) Identity(r *http.Request) (session.Identity, error) {
	current, err := s.middleware.Session.GetSession(r)
	if err != nil {
		return session.Identity{}, err
	}
	principal, ok := current.(Principal)
	if !ok {
		return session.Identity{}, samlsp.ErrNoSession
	}
	return principal.Identity, nil
}

// RequireSession rejects requests without a session by calling unauthorized.
// Signed-in requests carry the session in their context (samlsp.SessionFromContext).
func (s *Service) RequireSession(unauthorized http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current, err := s.middleware.Session.GetSession(r)
			if err != nil {
				if !errors.Is(err, samlsp.ErrNoSession) {
					s.debug.Warn("sso session lookup failed", "error", err)
				}
				unauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(samlsp.ContextWithSession(r.Context(), current)))
		})
	}
}

func (s *Service) Logout(w http.ResponseWriter, r *http.Request) error {
	return s.middleware.Session.DeleteSession(w, r)
}

func (s *Service) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	s.middleware.ServeMetadata(w, r)
}

// FallbackMetadata renders service provider metadata without an identity
// provider, so operators can register the SP before enabling SSO.
// cert may be nil.
func FallbackMetadata(issuer, callbackURL string, cert *x509.Certificate) ([]byte, error) {
	acsURL, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("callback url: %w", err)
	}
	metadataURL, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("issuer url: %w", err)
	}
	sp := saml.ServiceProvider{
		EntityID:    issuer,
		Certificate: cert,
		AcsURL:      *acsURL,
		MetadataURL: *metadataURL,
	}
	body, err := xml.MarshalIndent(sp.Metadata(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return body, nil
}

func WriteMetadata(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", metadataContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// SafeRedirect keeps post-login redirects on this site.
func SafeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return "/"
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host != "" || parsed.Scheme != "" {
		return "/"
	}
	return parsed.Path
}
