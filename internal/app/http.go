package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"docpilot/api/internal/auth"
	"docpilot/api/internal/project"
	"docpilot/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/session", s.handleSession)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Put("/", s.handleRenameProject)
				r.Delete("/", s.handleDeleteProject)
				r.Post("/suggest-outline", s.handleSuggestOutline)
				r.Put("/outline/order", s.handleReorder)
				r.Post("/generate", s.handleGenerate)
				r.Post("/sections", s.handleAddSection)
				r.Route("/sections/{sectionID}", func(r chi.Router) {
					r.Delete("/", s.handleDeleteSection)
					r.Put("/content", s.handleUpdateContent)
					r.Post("/refine", s.handleRefine)
					r.Post("/comments", s.handleAddComment)
					r.Post("/refinements/{refinementID}/like", s.handleReact(project.ReactionLike))
					r.Post("/refinements/{refinementID}/dislike", s.handleReact(project.ReactionDislike))
				})
			})
		})
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"cache":    map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	// A broken cache degrades reads but does not take the API out of rotation.
	if err := s.service.PingCache(ctx); err != nil {
		checks["cache"] = map[string]any{"status": "degraded", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user_id": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       session.UserID,
		"user_name":     session.UserName,
		"expires_at":    session.ExpiresAt,
	})
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListProjects(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": items})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body CreateProjectInput
	if !readBody(w, r, &body) {
		return
	}
	item, err := s.service.CreateProject(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetProject(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleRenameProject(w http.ResponseWriter, r *http.Request) {
	var body RenameProjectInput
	if !readBody(w, r, &body) {
		return
	}
	item, err := s.service.RenameProject(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteProject(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSuggestOutline(w http.ResponseWriter, r *http.Request) {
	var body SuggestOutlineInput
	if !readBody(w, r, &body) {
		return
	}
	item, err := s.service.SuggestOutline(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body ReorderInput
	if !readBody(w, r, &body) {
		return
	}
	item, err := s.service.ReorderOutline(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleAddSection(w http.ResponseWriter, r *http.Request) {
	var body AddSectionInput
	if !readBody(w, r, &body) {
		return
	}
	section, position, err := s.service.AddSection(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"section": section, "position": position})
}

func (s *HTTPServer) handleDeleteSection(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteSection(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "sectionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var body UpdateContentInput
	if !readBody(w, r, &body) {
		return
	}
	section, err := s.service.UpdateContent(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "sectionID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body GenerateInput
	if !readBody(w, r, &body) {
		return
	}
	section, err := s.service.GenerateSection(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *HTTPServer) handleRefine(w http.ResponseWriter, r *http.Request) {
	var body RefineInput
	if !readBody(w, r, &body) {
		return
	}
	section, err := s.service.RefineSection(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "sectionID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body CommentInput
	if !readBody(w, r, &body) {
		return
	}
	section, err := s.service.AddComment(r.Context(), sessionFrom(r), chi.URLParam(r, "projectID"), chi.URLParam(r, "sectionID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, section)
}

func (s *HTTPServer) handleReact(reaction project.Reaction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ReactInput
		if !readBody(w, r, &body) {
			return
		}
		section, err := s.service.ReactRefinement(r.Context(), sessionFrom(r),
			chi.URLParam(r, "projectID"), chi.URLParam(r, "sectionID"), chi.URLParam(r, "refinementID"),
			reaction, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, section)
	}
}

// fail maps err to the error envelope. Unexpected errors are logged; their text is not exposed.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// readBody decodes the JSON body into target and writes a 400 when it cannot.
func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, project.ErrSectionNotFound):
		return http.StatusNotFound, "SECTION_NOT_FOUND", "Section not found", nil
	case errors.Is(err, project.ErrRefinementNotFound):
		return http.StatusNotFound, "REFINEMENT_NOT_FOUND", "Refinement not found", nil
	case errors.Is(err, store.ErrRevisionConflict):
		return http.StatusConflict, "REVISION_CONFLICT", "Project was modified concurrently; retry", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
