package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradebook/api/internal/attach"
	"tradebook/api/internal/auth"
	"tradebook/api/internal/authpw"
	"tradebook/api/internal/rbac"
	"tradebook/api/internal/report"
	"tradebook/api/internal/store"
	syncengine "tradebook/api/internal/sync"
	"tradebook/api/internal/util"
)

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
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
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

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
			"spaceId":       session.SpaceID,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"userName":     session.UserName,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/change-password" {
		authSvc := s.service.AuthPasswordService()
		if authSvc == nil {
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
			return
		}
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := authSvc.ChangePassword(r.Context(), session.UserID, body.CurrentPassword, body.NewPassword); err != nil {
			if errors.Is(err, authpw.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/replicache/push" {
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var req syncengine.PushRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if _, err := s.service.Push(r.Context(), session, req); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/replicache/pull" {
		var req syncengine.PullRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resp, err := s.service.Pull(r.Context(), session, req)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/replicache/poke" {
		s.handlePokeStream(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		payload, err := s.service.Search(r.Context(), session, q, filterType, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/stats/summary" {
		stats, err := s.service.SummaryStats(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/stats/daily" {
		from := strings.TrimSpace(r.URL.Query().Get("from"))
		to := strings.TrimSpace(r.URL.Query().Get("to"))
		stats, err := s.service.DailyStats(r.Context(), session, from, to)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"days": stats})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/attachments/upload-url" {
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Filename    string `json:"filename"`
			ContentType string `json:"contentType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		upload, err := s.service.NewAttachmentUpload(r.Context(), session, body.Filename, body.ContentType)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, upload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/attachments/url" {
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "key is required", nil)
			return
		}
		url, err := s.service.AttachmentURL(r.Context(), session, key)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reports/monthly" {
		month := strings.TrimSpace(r.URL.Query().Get("month"))
		format := report.Format(strings.TrimSpace(r.URL.Query().Get("format")))
		result, err := s.service.MonthlyReport(r.Context(), session, month, format)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch {
		case parts[1] == "trades" && len(parts) >= 3 && parts[2] == "stock":
			s.handleEntity(w, r, session, entityRoutes{
				kind:   "stock trade",
				idTag:  "st",
				create: "createStockTrade", update: "updateStockTrade", delete: "deleteStockTrade",
				list: func(ctx context.Context) (any, error) {
					items, err := s.service.ListStockTrades(ctx, session)
					return map[string]any{"trades": items}, err
				},
				get: func(ctx context.Context, id string) (any, error) {
					return s.service.GetStockTrade(ctx, session, id)
				},
			}, parts[3:])
			return
		case parts[1] == "trades" && len(parts) >= 3 && parts[2] == "options":
			s.handleEntity(w, r, session, entityRoutes{
				kind:   "option trade",
				idTag:  "opt",
				create: "createOptionTrade", update: "updateOptionTrade", delete: "deleteOptionTrade",
				list: func(ctx context.Context) (any, error) {
					items, err := s.service.ListOptionTrades(ctx, session)
					return map[string]any{"trades": items}, err
				},
				get: func(ctx context.Context, id string) (any, error) {
					return s.service.GetOptionTrade(ctx, session, id)
				},
			}, parts[3:])
			return
		case parts[1] == "notes":
			limit, ok := queryInt(w, r, "limit", 0)
			if !ok {
				return
			}
			s.handleEntity(w, r, session, entityRoutes{
				kind:   "note",
				idTag:  "note",
				create: "createNote", update: "updateNote", delete: "deleteNote",
				list: func(ctx context.Context) (any, error) {
					items, err := s.service.ListNotes(ctx, session, limit)
					return map[string]any{"notes": items}, err
				},
				get: func(ctx context.Context, id string) (any, error) {
					return s.service.GetNote(ctx, session, id)
				},
			}, parts[2:])
			return
		case parts[1] == "playbooks":
			s.handleEntity(w, r, session, entityRoutes{
				kind:   "playbook",
				idTag:  "pb",
				create: "createPlaybook", update: "updatePlaybook", delete: "deletePlaybook",
				list: func(ctx context.Context) (any, error) {
					items, err := s.service.ListPlaybooks(ctx, session)
					return map[string]any{"playbooks": items}, err
				},
			}, parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// entityRoutes describes the REST surface of one replicated entity. Writes go
// through the sync mutators so REST and replicating clients share semantics.
type entityRoutes struct {
	kind   string
	idTag  string
	create string
	update string
	delete string
	list   func(ctx context.Context) (any, error)
	get    func(ctx context.Context, id string) (any, error)
}

func (s *HTTPServer) handleEntity(w http.ResponseWriter, r *http.Request, session Session, routes entityRoutes, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := routes.list(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 0 && r.Method == http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		body, ok := decodeEntityBody(w, r)
		if !ok {
			return
		}
		id, _ := body["id"].(string)
		if strings.TrimSpace(id) == "" {
			id = util.NewID(routes.idTag)
			body["id"] = id
		}
		result, err := s.service.ApplyMutation(r.Context(), session, routes.create, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "version": result.Version})

	case len(rest) == 1 && r.Method == http.MethodGet:
		if routes.get == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		payload, err := routes.get(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		body, ok := decodeEntityBody(w, r)
		if !ok {
			return
		}
		body["id"] = rest[0]
		result, err := s.service.ApplyMutation(r.Context(), session, routes.update, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": rest[0], "version": result.Version})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		result, err := s.service.ApplyMutation(r.Context(), session, routes.delete, map[string]any{"id": rest[0]})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": result.Version})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func decodeEntityBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body := map[string]any{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return nil, false
	}
	return body, true
}

// handlePokeStream holds an SSE connection open and emits a "poke" event
// whenever the session's space changes, telling the client to pull.
func (s *HTTPServer) handlePokeStream(w http.ResponseWriter, r *http.Request, session Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	pokes, cancel, err := s.service.SubscribePokes(r.Context(), session)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-pokes:
			if !open {
				return
			}
			fmt.Fprint(w, "event: poke\ndata: {}\n\n")
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, store.ErrSpaceNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, syncengine.ErrOutOfOrderMutation):
		return http.StatusConflict, "OUT_OF_ORDER", "Mutation out of order", nil
	case errors.Is(err, syncengine.ErrClientSpaceMismatch):
		return http.StatusForbidden, "FORBIDDEN", "Client belongs to a different space", nil
	case errors.Is(err, syncengine.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, syncengine.ErrMutationRejected):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, syncengine.ErrUnknownMutator):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown mutation", nil
	case errors.Is(err, attach.ErrForbiddenKey):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, report.ErrInvalidMonth):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "month must be YYYY-MM", nil
	case errors.Is(err, report.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Auth handlers for email/password authentication

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := authSvc.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailExists) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"spaceId":      session.SpaceID,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := authSvc.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"spaceId":      session.SpaceID,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}
