package app

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pollbot/api/internal/sso"
)

func (s *HTTPServer) authRoutes(r chi.Router) {
	r.Get("/login", s.handleAuthLogin)
	r.Post("/callback", s.handleAuthCallback)
	r.Get("/metadata", s.handleAuthMetadata)
	r.Get("/me", s.handleAuthMe)
	r.Post("/logout", s.handleAuthLogout)
}

func (s *HTTPServer) ssoNotConfigured(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, CodeSSONotConfigured, "SAML not configured", nil)
}

func (s *HTTPServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		s.ssoNotConfigured(w)
		return
	}
	if err := s.opts.Auth.StartLogin(w, r, r.URL.Query().Get("redirect")); err != nil {
		s.logger.ErrorContext(r.Context(), "sso login failed",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, CodeSSOLoginFailed, "Could not start SSO login", nil)
	}
}

func (s *HTTPServer) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		s.ssoNotConfigured(w)
		return
	}
	err := s.opts.Auth.HandleCallback(w, r)
	if err == nil {
		return
	}
	s.logger.WarnContext(r.Context(), "sso callback rejected",
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	if errors.Is(err, sso.ErrAuthenticationFailed) {
		var details any
		var authErr *sso.AuthenticationError
		if errors.As(err, &authErr) {
			details = map[string]string{"reason": authErr.Reason}
		}
		writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, "Authentication failed", details)
		return
	}
	writeError(w, http.StatusInternalServerError, CodeServerError, "Server error", nil)
}

func (s *HTTPServer) handleAuthMetadata(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth != nil {
		s.opts.Auth.ServeMetadata(w, r)
		return
	}
	if s.opts.FallbackMetadata == nil {
		s.ssoNotConfigured(w)
		return
	}
	body, err := s.opts.FallbackMetadata()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sso.WriteMetadata(w, body)
}

func (s *HTTPServer) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	identity, err := s.opts.Auth.Identity(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"nameId":     identity.NameID,
			"attributes": identity.Attributes,
		},
	})
}

func (s *HTTPServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth != nil {
		if err := s.opts.Auth.Logout(w, r); err != nil {
			s.logger.WarnContext(r.Context(), "sso logout failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
