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

	"smallissue/api/internal/auth"
	"smallissue/api/internal/authpw"
	"smallissue/api/internal/search"
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

	// Account routes, no session required.
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "email verified"})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		_ = s.service.RequestPasswordReset(r.Context(), body.Email)
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "if an account exists, a reset email has been sent",
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		var body struct {
			Token       string `json:"token"`
			NewPassword string `json:"new_password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "password reset"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user_id":       session.UserID,
			"username":      session.Username,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
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
		writeJSON(w, http.StatusOK, sessionPayload(session))
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
			RefreshToken string `json:"refresh_token"`
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		payload, err := s.service.UnreadNotifications(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/notifications/read-all" {
		if err := s.service.MarkAllNotificationsRead(r.Context(), session); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/projects/check-key" {
		payload, err := s.service.CheckProjectKey(r.Context(), r.URL.Query().Get("key"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/projects" {
		projects, err := s.service.ListProjects(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		items := make([]map[string]any, 0, len(projects))
		for _, project := range projects {
			items = append(items, projectPayload(project))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		var body CreateProjectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.CreateProject(r.Context(), session, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, projectPayload(project))
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/projects/orders" {
		var body SetProjectOrdersInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.SetProjectOrders(r.Context(), session, body.ProjectIDs)
		s.respond(w, map[string]any{"ok": true}, err, http.StatusOK)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "notifications" && r.Method == http.MethodPatch && len(parts) == 4 && parts[3] == "read" {
		if err := s.service.MarkNotificationRead(r.Context(), session, parts[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProject(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleProject routes everything under /api/projects/{projectID}.
// parts starts at the project id.
func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	projectID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			project, err := s.service.GetProject(r.Context(), session, projectID)
			s.respond(w, projectPayload(project), err, http.StatusOK)
		case http.MethodPut, http.MethodPatch:
			var body UpdateProjectInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, err := s.service.UpdateProject(r.Context(), session, projectID, body)
			s.respond(w, projectPayload(project), err, http.StatusOK)
		case http.MethodDelete:
			err := s.service.DeleteProject(r.Context(), session, projectID)
			s.respond(w, map[string]any{"ok": true}, err, http.StatusOK)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case rest[0] == "members":
		switch {
		case len(rest) == 1 && r.Method == http.MethodGet:
			members, err := s.service.ListProjectMembers(r.Context(), session, projectID)
			items := make([]map[string]any, 0, len(members))
			for _, member := range members {
				items = append(items, memberPayload(member))
			}
			s.respond(w, map[string]any{"members": items}, err, http.StatusOK)
		case len(rest) == 1 && r.Method == http.MethodPost:
			var body struct {
				Username string `json:"username"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			err := s.service.AddProjectMember(r.Context(), session, projectID, body.Username)
			s.respond(w, map[string]any{"ok": true}, err, http.StatusCreated)
		case len(rest) == 2 && r.Method == http.MethodDelete:
			err := s.service.RemoveProjectMember(r.Context(), session, projectID, rest[1])
			s.respond(w, map[string]any{"ok": true}, err, http.StatusOK)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return

	case rest[0] == "tags" && len(rest) == 1 && r.Method == http.MethodGet:
		tags, err := s.service.ListProjectTags(r.Context(), session, projectID)
		items := make([]map[string]any, 0, len(tags))
		for _, tag := range tags {
			items = append(items, tagPayload(tag))
		}
		s.respond(w, map[string]any{"tags": items}, err, http.StatusOK)
		return

	case rest[0] == "issues":
		s.handleIssue(w, r, session, projectID, rest[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleIssue routes /api/projects/{projectID}/issues and below. parts
// starts after "issues".
func (s *HTTPServer) handleIssue(w http.ResponseWriter, r *http.Request, session Session, projectID string, parts []string) {
	switch {
	case len(parts) == 0:
		switch r.Method {
		case http.MethodGet:
			issues, err := s.service.ListIssues(r.Context(), session, projectID)
			s.respond(w, map[string]any{"issues": issues}, err, http.StatusOK)
		case http.MethodPost:
			var body CreateIssueInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			issue, err := s.service.CreateIssue(r.Context(), session, projectID, body)
			if err != nil {
				s.respond(w, nil, err, http.StatusCreated)
				return
			}
			payload, err := s.service.issuePayload(r.Context(), issue, session.UserID)
			s.respond(w, payload, err, http.StatusCreated)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 1 && parts[0] == "orders" && r.Method == http.MethodPatch:
		var body SetOrdersInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.SetIssueOrders(r.Context(), session, projectID, body.IssueIDs)
		s.respond(w, map[string]any{"ok": true}, err, http.StatusOK)
		return

	case len(parts) == 1:
		issueID := parts[0]
		switch r.Method {
		case http.MethodGet:
			issue, err := s.service.GetIssue(r.Context(), session, projectID, issueID)
			s.respond(w, issue, err, http.StatusOK)
		case http.MethodPatch, http.MethodPut:
			var body UpdateIssueInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			issue, err := s.service.UpdateIssue(r.Context(), session, projectID, issueID, body)
			if err != nil {
				s.respond(w, nil, err, http.StatusOK)
				return
			}
			payload, err := s.service.issuePayload(r.Context(), issue, session.UserID)
			s.respond(w, payload, err, http.StatusOK)
		case http.MethodDelete:
			err := s.service.DeleteIssue(r.Context(), session, projectID, issueID)
			s.respond(w, map[string]any{"ok": true}, err, http.StatusOK)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		pageNum := 1
		if raw := strings.TrimSpace(r.URL.Query().Get("page_num")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page_num must be an integer", nil)
				return
			}
			pageNum = parsed
		}
		page, err := s.service.IssueHistory(r.Context(), session, projectID, parts[0], pageNum)
		s.respond(w, page, err, http.StatusOK)
		return

	case len(parts) == 2 && parts[1] == "tags" && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		var body SetTagsInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		tags, err := s.service.SetIssueTags(r.Context(), session, projectID, parts[0], body.Tags)
		s.respond(w, map[string]any{"tags": tags}, err, http.StatusOK)
		return

	case len(parts) == 2 && parts[1] == "subscription" && r.Method == http.MethodPatch:
		payload, err := s.service.ToggleSubscription(r.Context(), session, projectID, parts[0])
		s.respond(w, payload, err, http.StatusOK)
		return

	case len(parts) == 2 && parts[1] == "comments":
		switch r.Method {
		case http.MethodGet:
			comments, err := s.service.ListComments(r.Context(), session, projectID, parts[0])
			s.respond(w, map[string]any{"comments": comments}, err, http.StatusOK)
		case http.MethodPost:
			var body CommentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := s.service.CreateComment(r.Context(), session, projectID, parts[0], body.Body)
			if err != nil {
				s.respond(w, nil, err, http.StatusCreated)
				return
			}
			payload, err := s.service.commentPayload(r.Context(), comment)
			s.respond(w, payload, err, http.StatusCreated)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 3 && parts[1] == "comments":
		switch r.Method {
		case http.MethodPatch, http.MethodPut:
			var body CommentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := s.service.UpdateComment(r.Context(), session, projectID, parts[0], parts[2], body.Body)
			if err != nil {
				s.respond(w, nil, err, http.StatusOK)
				return
			}
			payload, err := s.service.commentPayload(r.Context(), comment)
			s.respond(w, payload, err, http.StatusOK)
		case http.MethodDelete:
			err := s.service.DeleteComment(r.Context(), session, projectID, parts[0], parts[2])
			s.respond(w, map[string]any{"ok": true}, err, http.StatusOK)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := search.Query{
		Text:            strings.TrimSpace(r.URL.Query().Get("q")),
		FilterProjectID: strings.TrimSpace(r.URL.Query().Get("project_id")),
		FilterStatus:    strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:           20,
	}
	switch strings.TrimSpace(r.URL.Query().Get("type")) {
	case "issue":
		query.FilterType = search.ResultIssue
	case "comment":
		query.FilterType = search.ResultComment
	case "":
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be issue or comment", nil)
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		query.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		query.Offset = parsed
	}

	resp, err := s.service.Search(r.Context(), session, query)
	s.respond(w, resp, err, http.StatusOK)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	payload, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:    body.Email,
		Password: body.Password,
		Username: body.Username,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"access_token":  session.Token,
		"refresh_token": session.RefreshToken,
		"user_id":       session.UserID,
		"username":      session.Username,
		"expires_at":    session.ExpiresAt.Unix(),
	}
}

// respond writes payload with okStatus, or maps err onto an error
// response when err is non-nil.
func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error, okStatus int) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, okStatus, payload)
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
		if errors.Is(err, sql.ErrNoRows) {
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, strings.ToUpper(domainErr.Code), domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
