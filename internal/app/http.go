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
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/camptracker/markdown-viewer/internal/session"
	"github.com/camptracker/markdown-viewer/internal/store"
)

// VisitorHeader carries the anonymous token between client and server: read
// as a candidate on every request, set on responses that minted a new one.
const VisitorHeader = "X-Visitor-Id"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"stores": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["stores"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		// Every API request acts as exactly one identity; resolution happens
		// before any document operation or OAuth step runs.
		identity, sess, ok := s.resolveIdentity(w, r)
		if !ok {
			return
		}

		switch parts[1] {
		case "auth":
			s.handleAuth(w, r, identity, sess, parts)
			return
		case "markdowns":
			s.handleMarkdowns(w, r, identity, parts)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// resolveIdentity loads (or creates) the browser session, resolves the acting
// identity, and reports resolution artifacts back to the client: a session
// cookie when the session is new, the visitor token header when one was
// minted.
func (s *HTTPServer) resolveIdentity(w http.ResponseWriter, r *http.Request) (store.Identity, session.Session, bool) {
	ctx := r.Context()

	sess, fresh := s.loadSession(ctx, r)
	candidate := strings.TrimSpace(r.Header.Get(VisitorHeader))

	resolution, err := s.service.ResolveIdentity(ctx, &sess, candidate)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return store.Identity{}, session.Session{}, false
	}

	if fresh {
		session.SetCookie(w, sess.ID, sess.ExpiresAt, s.secureCookies())
	}
	if resolution.MintedToken != "" {
		w.Header().Set(VisitorHeader, resolution.MintedToken)
	}
	return resolution.Identity, sess, true
}

// loadSession returns the request's session, or a fresh one when the cookie
// is absent or no longer resolvable. A lost server-side session is not fatal;
// the visitor token header re-establishes identity.
func (s *HTTPServer) loadSession(ctx context.Context, r *http.Request) (session.Session, bool) {
	if sessionID := session.FromRequest(r); sessionID != "" {
		if sess, err := s.service.GetSession(ctx, sessionID); err == nil {
			return sess, false
		}
	}
	return session.Session{
		ID:        session.NewSessionID(),
		ExpiresAt: time.Now().Add(s.service.cfg.SessionTTL),
	}, true
}

func (s *HTTPServer) secureCookies() bool {
	return strings.HasPrefix(s.service.cfg.ClientURL, "https://")
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, identity store.Identity, sess session.Session, parts []string) {
	if len(parts) == 3 && parts[2] == "me" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"user": s.service.MePayload(identity)})
		return
	}

	if len(parts) == 3 && parts[2] == "logout" && r.Method == http.MethodPost {
		if err := s.service.Logout(r.Context(), sess); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		session.ClearCookie(w, s.secureCookies())
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		authURL, err := s.service.BeginOAuth(r.Context(), parts[2], &sess)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}

	if len(parts) == 4 && parts[3] == "callback" && r.Method == http.MethodGet {
		query := r.URL.Query()
		if query.Get("error") != "" || query.Get("code") == "" || query.Get("state") == "" {
			s.redirectAuthResult(w, r, false)
			return
		}
		if _, err := s.service.CompleteOAuth(r.Context(), parts[2], query.Get("code"), query.Get("state"), &sess); err != nil {
			log.Printf("oauth callback failed for provider=%s: %v", parts[2], err)
			s.redirectAuthResult(w, r, false)
			return
		}
		s.redirectAuthResult(w, r, true)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) redirectAuthResult(w http.ResponseWriter, r *http.Request, ok bool) {
	result := "failed"
	if ok {
		result = "success"
	}
	http.Redirect(w, r, s.service.cfg.ClientURL+"/?auth="+result, http.StatusFound)
}

func (s *HTTPServer) handleMarkdowns(w http.ResponseWriter, r *http.Request, identity store.Identity, parts []string) {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListMarkdowns(r.Context(), identity)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodPost:
			var body CreateMarkdownInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateMarkdown(r.Context(), identity, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 3 {
		documentID := parts[2]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetMarkdown(r.Context(), identity, documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodPatch, http.MethodPut:
			var body UpdateMarkdownInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if r.Method == http.MethodPatch {
				// partial updates never touch the editability flag
				body.CanEdit = nil
			}
			payload, err := s.service.UpdateMarkdown(r.Context(), identity, documentID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodDelete:
			if err := s.service.DeleteMarkdown(r.Context(), identity, documentID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
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

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+VisitorHeader)
	header.Set("Access-Control-Expose-Headers", VisitorHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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

// decodeBody parses a JSON request body. An absent body decodes as an empty
// object; input validation stays with the service layer.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
