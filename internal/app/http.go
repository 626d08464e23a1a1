package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"pollbot/api/internal/observability"
	"pollbot/api/internal/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Authenticator is the SSO gate. A nil Authenticator leaves every route open.
type Authenticator interface {
	StartLogin(w http.ResponseWriter, r *http.Request, redirect string) error
	HandleCallback(w http.ResponseWriter, r *http.Request) error
	Identity(r *http.Request) (session.Identity, error)
	RequireSession(unauthorized http.HandlerFunc) func(http.Handler) http.Handler
	Logout(w http.ResponseWriter, r *http.Request) error
	ServeMetadata(w http.ResponseWriter, r *http.Request)
}

type HTTPOptions struct {
	CORSOrigins []string
	PublicDir   string
	Auth        Authenticator
	// FallbackMetadata renders SP metadata while SSO is off.
	FallbackMetadata func() ([]byte, error)
	Metrics          *observability.Metrics
	MetricsHandler   http.Handler
	Logger           *slog.Logger
	// ReadinessChecks run on /ready next to the database, keyed by name.
	ReadinessChecks map[string]func(context.Context) error
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	logger  *slog.Logger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &HTTPServer{service: service, opts: opts, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: !slices.Contains(s.opts.CORSOrigins, "*"),
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", s.authRoutes)

		api.Group(func(protected chi.Router) {
			if s.opts.Auth != nil {
				protected.Use(s.opts.Auth.RequireSession(s.unauthorized))
			}
			protected.Route("/session", func(sr chi.Router) {
				sr.Post("/start", s.handleStartSession)
				sr.Get("/{id}", s.handleGetSession)
				sr.Post("/{id}/answer", s.handleSubmitAnswer)
				sr.Get("/{id}/answers", s.handleSessionAnswers)
			})
			protected.Post("/chat", s.handleChat)
			protected.Route("/department", func(dr chi.Router) {
				dr.Get("/", s.handleListDepartments)
				dr.Get("/{key}/answers", s.handleDepartmentAnswers)
			})
		})
	})

	if s.opts.PublicDir != "" {
		r.Handle("/*", s.staticHandler())
	}
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	readiness := map[string]func(context.Context) error{"database": s.service.Ping}
	for name, check := range s.opts.ReadinessChecks {
		readiness[name] = check
	}

	status := "ready"
	statusCode := http.StatusOK
	checks := make(map[string]any, len(readiness))
	for name, check := range readiness {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body StartSessionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidDepartment, "departmentKey is required", nil)
		return
	}
	sessionID, err := s.service.StartSession(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID})
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (s *HTTPServer) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var body SubmitAnswerInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	result, err := s.service.SubmitAnswer(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSessionAnswers(w http.ResponseWriter, r *http.Request) {
	answers, err := s.service.SessionAnswers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body ChatInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "sessionId and message are required", nil)
		return
	}
	reply, err := s.service.Chat(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (s *HTTPServer) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListDepartments(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleDepartmentAnswers(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DepartmentAnswers(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) unauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
}

func (s *HTTPServer) staticHandler() http.Handler {
	files := http.FileServer(http.Dir(s.opts.PublicDir))
	if s.opts.Auth == nil {
		return files
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}

// fail writes err as a JSON error and logs server-side failures with their cause.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.opts.Metrics.ObserveHTTP(route, r.Method, strconv.Itoa(status))
		s.logger.InfoContext(r.Context(), "http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"error":   code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody treats an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
