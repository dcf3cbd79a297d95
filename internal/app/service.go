package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"smallissue/api/internal/auth"
	"smallissue/api/internal/authpw"
	"smallissue/api/internal/config"
	"smallissue/api/internal/email"
	"smallissue/api/internal/history"
	"smallissue/api/internal/rbac"
	"smallissue/api/internal/search"
	"smallissue/api/internal/store"
	"smallissue/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateProjectInput struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

type UpdateProjectInput struct {
	Name     string `json:"name"`
	LeaderID string `json:"leader_id"`
}

type CreateIssueInput struct {
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id"`
}

// UpdateIssueInput is a partial update. AssigneeID stays raw so an
// explicit null (unassign) is distinguishable from an absent field.
type UpdateIssueInput struct {
	Title      *string         `json:"title"`
	Body       *string         `json:"body"`
	Status     *string         `json:"status"`
	AssigneeID json.RawMessage `json:"assignee_id"`
}

type CommentInput struct {
	Body string `json:"body"`
}

type SetTagsInput struct {
	Tags []string `json:"tags"`
}

type SetOrdersInput struct {
	IssueIDs []string `json:"issue_ids"`
}

type SetProjectOrdersInput struct {
	ProjectIDs []string `json:"project_ids"`
}

var allowedIssueStatuses = map[string]struct{}{
	"TODO":  {},
	"DOING": {},
	"DONE":  {},
}

var projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,4}$`)

// notificationMax caps the unread list returned to a client in one call.
const notificationMax = 10

type dataStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, token string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	CreateProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	UpdateProject(ctx context.Context, projectID, name, leaderID string) error
	DeleteProject(ctx context.Context, projectID string) error
	SetProjectOrder(ctx context.Context, projectID string, sortOrder int) error
	ProjectKeyExists(ctx context.Context, key string) (bool, error)
	AddProjectMember(ctx context.Context, projectID, userID string) error
	RemoveProjectMember(ctx context.Context, projectID, userID string) error
	ListProjectMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error)
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)

	NextIssueNumber(ctx context.Context, projectID string) (int, error)
	CreateIssue(ctx context.Context, issue store.Issue) error
	GetIssue(ctx context.Context, issueID string) (store.Issue, error)
	ListIssues(ctx context.Context, projectID string) ([]store.Issue, error)
	UpdateIssue(ctx context.Context, issue store.Issue) error
	DeleteIssue(ctx context.Context, issueID string) error
	SetIssueOrder(ctx context.Context, issueID string, sortOrder int) error
	EnsureTag(ctx context.Context, tag store.Tag) (store.Tag, error)
	ListProjectTags(ctx context.Context, projectID string) ([]store.Tag, error)
	ListIssueTaggings(ctx context.Context, issueID string) ([]store.IssueTagging, error)
	CreateIssueTagging(ctx context.Context, tagging store.IssueTagging) error
	DeleteIssueTagging(ctx context.Context, taggingID string) error

	CreateComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, issueID string) ([]store.Comment, error)
	UpdateComment(ctx context.Context, commentID, body string) error
	DeleteComment(ctx context.Context, commentID string) error

	AppendRevision(ctx context.Context, rev store.Revision) (store.Revision, error)
	GetRevision(ctx context.Context, kind string, revisionID int64) (store.Revision, error)
	LatestRevision(ctx context.Context, kind, entityID string) (*store.Revision, error)
	RecordIssueHistory(ctx context.Context, kind string, revisionID int64, issueID string, recordedAt time.Time) error
	CountIssueHistory(ctx context.Context, issueID string) (int, error)
	ListIssueHistory(ctx context.Context, issueID string, limit, offset int) ([]store.HistoryRow, error)

	Subscribe(ctx context.Context, issueID, userID string) error
	Unsubscribe(ctx context.Context, issueID, userID string) error
	IsSubscribed(ctx context.Context, issueID, userID string) (bool, error)
	ListSubscribers(ctx context.Context, issueID string) ([]store.User, error)

	CreateNotification(ctx context.Context, n store.Notification) (bool, error)
	ListUnreadNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error)
	CountUnreadNotifications(ctx context.Context, recipientID string) (int, error)
	MarkNotificationRead(ctx context.Context, recipientID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) error

	Transaction(ctx context.Context, fn func(tx dataStore) error) error
	Ping(ctx context.Context) error
}

// RefreshSessionStore holds opaque refresh tokens. Redis when configured,
// otherwise the primary database.
type RefreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgStore adapts *store.PostgresStore to dataStore so Transaction hands
// callbacks a transaction-bound dataStore.
type pgStore struct {
	*store.PostgresStore
}

func (p pgStore) Transaction(ctx context.Context, fn func(tx dataStore) error) error {
	return p.PostgresStore.Transaction(ctx, func(tx *store.PostgresStore) error {
		return fn(pgStore{tx})
	})
}

func (p pgStore) Ping(ctx context.Context) error {
	return p.DB().PingContext(ctx)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions RefreshSessionStore
	accounts *authpw.Service
	email    *email.Service
	search   *search.Service
}

// New wires the service. sessions may be nil, in which case refresh
// tokens live in Postgres next to everything else.
func New(cfg config.Config, pg *store.PostgresStore, accounts *authpw.Service, emailService *email.Service, searchService *search.Service, sessions RefreshSessionStore) *Service {
	s := &Service{
		cfg:      cfg,
		store:    pgStore{pg},
		sessions: sessions,
		accounts: accounts,
		email:    emailService,
		search:   searchService,
	}
	if s.sessions == nil {
		s.sessions = pgStore{pg}
	}
	return s
}

// tracker builds a history tracker over the given store. Inside
// Transaction the store is transaction-bound, so revisions and
// notifications commit or roll back with the mutation.
func tracker(ds dataStore) *history.Tracker {
	return history.NewTracker(ds, ds, ds, ds, ds)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- accounts and sessions ----

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (map[string]any, error) {
	resp, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		status := http.StatusBadRequest
		if err.Error() == "email already registered" || err.Error() == "username already taken" {
			status = http.StatusConflict
		}
		return nil, domainError(status, "signup_failed", err.Error(), nil)
	}

	if s.email.IsConfigured() {
		verifyURL := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), resp.VerificationToken)
		go func() {
			if err := s.email.SendVerificationEmail(req.Email, req.Username, verifyURL); err != nil {
				log.Printf("send verification email: %v", err)
			}
		}()
		return map[string]any{
			"user_id":               resp.UserID,
			"requires_email_verify": true,
		}, nil
	}

	// Without SMTP the verification token never reaches the user, so
	// the account is usable immediately.
	if err := s.accounts.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id":               resp.UserID,
		"requires_email_verify": false,
	}, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	resp, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "email_not_verified", "verify your email address before signing in", nil)
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.accounts.VerifyEmail(ctx, token); err != nil {
		return domainError(http.StatusBadRequest, "invalid_token", err.Error(), nil)
	}
	return nil
}

// RequestPasswordReset always reports success so the endpoint does not
// reveal which emails have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	token, err := s.accounts.RequestPasswordReset(ctx, emailAddr)
	if err != nil || token == "" {
		return nil
	}
	if s.email.IsConfigured() {
		user, err := s.store.GetUserByEmail(ctx, emailAddr)
		if err != nil {
			return nil
		}
		resetURL := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)
		go func() {
			if err := s.email.SendPasswordResetEmail(user.Email, user.Username, resetURL); err != nil {
				log.Printf("send password reset email: %v", err)
			}
		}()
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.accounts.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
	if err != nil {
		return domainError(http.StatusBadRequest, "reset_failed", err.Error(), nil)
	}
	return nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Session backends only persist the user id, so load the full
	// record before minting claims.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- projects ----

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (store.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, domainError(http.StatusBadRequest, "invalid_name", "project name is required", nil)
	}
	key := strings.ToUpper(strings.TrimSpace(input.Key))
	if !projectKeyPattern.MatchString(key) {
		return store.Project{}, domainError(http.StatusBadRequest, "invalid_key", "project key must be 1-5 characters, letters and digits, starting with a letter", nil)
	}

	exists, err := s.store.ProjectKeyExists(ctx, key)
	if err != nil {
		return store.Project{}, err
	}
	if exists {
		return store.Project{}, domainError(http.StatusConflict, "key_taken", "project key is already in use", nil)
	}

	project := store.Project{
		ID:       util.NewID("prj"),
		Name:     name,
		Key:      key,
		LeaderID: session.UserID,
	}
	err = s.store.Transaction(ctx, func(tx dataStore) error {
		if err := tx.CreateProject(ctx, project); err != nil {
			return err
		}
		return tx.AddProjectMember(ctx, project.ID, session.UserID)
	})
	if err != nil {
		return store.Project{}, err
	}
	return project, nil
}

// CheckProjectKey reports whether a key is still free.
func (s *Service) CheckProjectKey(ctx context.Context, key string) (map[string]any, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !projectKeyPattern.MatchString(key) {
		return map[string]any{"key": key, "available": false}, nil
	}
	exists, err := s.store.ProjectKeyExists(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "available": !exists}, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	return s.store.ListProjectsForUser(ctx, session.UserID)
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	return s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead)
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (store.Project, error) {
	project, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionManage)
	if err != nil {
		return store.Project{}, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = project.Name
	}
	leaderID := input.LeaderID
	if leaderID == "" {
		leaderID = project.LeaderID
	}
	if leaderID != project.LeaderID {
		isMember, err := s.store.IsProjectMember(ctx, projectID, leaderID)
		if err != nil {
			return store.Project{}, err
		}
		if !isMember {
			return store.Project{}, domainError(http.StatusBadRequest, "leader_not_member", "new leader must be a project member", nil)
		}
	}

	if err := s.store.UpdateProject(ctx, projectID, name, leaderID); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}
	return s.store.DeleteProject(ctx, projectID)
}

// SetProjectOrders rewrites the caller's project list ordering. Position
// in the list is the new sort order. Like issue ordering, moves never
// show up in history.
func (s *Service) SetProjectOrders(ctx context.Context, session Session, projectIDs []string) error {
	return s.store.Transaction(ctx, func(tx dataStore) error {
		for position, projectID := range projectIDs {
			if _, err := tx.GetProject(ctx, projectID); err != nil {
				if store.IsNotFound(err) {
					return domainError(http.StatusNotFound, "project_not_found", "project not found", nil)
				}
				return err
			}
			isMember, err := tx.IsProjectMember(ctx, projectID, session.UserID)
			if err != nil {
				return err
			}
			if !isMember {
				return domainError(http.StatusForbidden, "forbidden", "you are not a member of this project", nil)
			}
			if err := tx.SetProjectOrder(ctx, projectID, position); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) AddProjectMember(ctx context.Context, session Session, projectID, username string) error {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if store.IsNotFound(err) {
			return domainError(http.StatusNotFound, "user_not_found", "no such user", nil)
		}
		return err
	}
	return s.store.AddProjectMember(ctx, projectID, user.ID)
}

func (s *Service) RemoveProjectMember(ctx context.Context, session Session, projectID, userID string) error {
	project, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionManage)
	if err != nil {
		return err
	}
	if userID == project.LeaderID {
		return domainError(http.StatusBadRequest, "cannot_remove_leader", "transfer leadership before removing the leader", nil)
	}
	return s.store.RemoveProjectMember(ctx, projectID, userID)
}

func (s *Service) ListProjectMembers(ctx context.Context, session Session, projectID string) ([]store.ProjectMember, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListProjectMembers(ctx, projectID)
}

func (s *Service) projectRole(ctx context.Context, projectID, userID string) (store.Project, rbac.Role, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Project{}, rbac.RoleNone, domainError(http.StatusNotFound, "project_not_found", "project not found", nil)
		}
		return store.Project{}, rbac.RoleNone, err
	}
	isMember, err := s.store.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return store.Project{}, rbac.RoleNone, err
	}
	return project, rbac.RoleFor(project.LeaderID == userID, isMember), nil
}

func (s *Service) requireProject(ctx context.Context, projectID, userID string, action rbac.Action) (store.Project, error) {
	project, role, err := s.projectRole(ctx, projectID, userID)
	if err != nil {
		return store.Project{}, err
	}
	if !rbac.Can(role, action) {
		return store.Project{}, domainError(http.StatusForbidden, "forbidden", "you do not have access to this project", nil)
	}
	return project, nil
}

// projectIssue loads an issue and checks it belongs to the project in
// the URL. Mismatches 404 rather than leak the issue's existence.
func (s *Service) projectIssue(ctx context.Context, projectID, issueID string) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Issue{}, domainError(http.StatusNotFound, "issue_not_found", "issue not found", nil)
		}
		return store.Issue{}, err
	}
	if issue.ProjectID != projectID {
		return store.Issue{}, domainError(http.StatusNotFound, "issue_not_found", "issue not found", nil)
	}
	return issue, nil
}

// ---- issues ----

func (s *Service) CreateIssue(ctx context.Context, session Session, projectID string, input CreateIssueInput) (store.Issue, error) {
	project, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return store.Issue{}, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Issue{}, domainError(http.StatusBadRequest, "invalid_title", "issue title is required", nil)
	}
	status := input.Status
	if status == "" {
		status = "TODO"
	}
	if _, ok := allowedIssueStatuses[status]; !ok {
		return store.Issue{}, domainError(http.StatusBadRequest, "invalid_status", "status must be TODO, DOING, or DONE", nil)
	}
	if err := s.checkAssignee(ctx, projectID, input.AssigneeID); err != nil {
		return store.Issue{}, err
	}

	actor := session.UserID
	var (
		issue  store.Issue
		notifs []store.Notification
	)
	err = s.store.Transaction(ctx, func(tx dataStore) error {
		number, err := tx.NextIssueNumber(ctx, projectID)
		if err != nil {
			return err
		}
		issue = store.Issue{
			ID:         util.NewID("iss"),
			ProjectID:  projectID,
			Key:        fmt.Sprintf("%s-%d", project.Key, number),
			Title:      title,
			Body:       input.Body,
			Status:     status,
			AuthorID:   session.UserID,
			AssigneeID: input.AssigneeID,
			SortOrder:  number,
		}
		if err := tx.CreateIssue(ctx, issue); err != nil {
			return err
		}
		if err := tx.Subscribe(ctx, issue.ID, session.UserID); err != nil {
			return err
		}
		_, notifs, err = tracker(tx).RecordIssueChange(ctx, history.IssueChange{
			IssueID: issue.ID,
			Type:    history.Created,
			ActorID: &actor,
			State:   issueState(issue),
		})
		return err
	})
	if err != nil {
		return store.Issue{}, err
	}

	s.search.IndexIssue(issueRecord(issue))
	s.deliverEmails(notifs)
	return issue, nil
}

func (s *Service) GetIssue(ctx context.Context, session Session, projectID, issueID string) (map[string]any, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return nil, err
	}
	return s.issuePayload(ctx, issue, session.UserID)
}

func (s *Service) ListIssues(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		item, err := s.issuePayload(ctx, issue, session.UserID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) UpdateIssue(ctx context.Context, session Session, projectID, issueID string, input UpdateIssueInput) (store.Issue, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite); err != nil {
		return store.Issue{}, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return store.Issue{}, err
	}

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Issue{}, domainError(http.StatusBadRequest, "invalid_title", "issue title cannot be blank", nil)
		}
		issue.Title = title
	}
	if input.Body != nil {
		issue.Body = *input.Body
	}
	if input.Status != nil {
		if _, ok := allowedIssueStatuses[*input.Status]; !ok {
			return store.Issue{}, domainError(http.StatusBadRequest, "invalid_status", "status must be TODO, DOING, or DONE", nil)
		}
		issue.Status = *input.Status
	}
	assignee, assigneeSet, err := decodeAssignee(input.AssigneeID)
	if err != nil {
		return store.Issue{}, err
	}
	if assigneeSet {
		if err := s.checkAssignee(ctx, projectID, assignee); err != nil {
			return store.Issue{}, err
		}
		issue.AssigneeID = assignee
	}

	actor := session.UserID
	var notifs []store.Notification
	err = s.store.Transaction(ctx, func(tx dataStore) error {
		if err := tx.UpdateIssue(ctx, issue); err != nil {
			return err
		}
		_, notifs, err = tracker(tx).RecordIssueChange(ctx, history.IssueChange{
			IssueID: issue.ID,
			Type:    history.Updated,
			ActorID: &actor,
			State:   issueState(issue),
		})
		return err
	})
	if err != nil {
		return store.Issue{}, err
	}

	s.search.IndexIssue(issueRecord(issue))
	s.deliverEmails(notifs)
	return issue, nil
}

func (s *Service) DeleteIssue(ctx context.Context, session Session, projectID, issueID string) error {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return err
	}

	actor := session.UserID
	var notifs []store.Notification
	err = s.store.Transaction(ctx, func(tx dataStore) error {
		if err := tx.DeleteIssue(ctx, issue.ID); err != nil {
			return err
		}
		_, notifs, err = tracker(tx).RecordIssueChange(ctx, history.IssueChange{
			IssueID: issue.ID,
			Type:    history.Deleted,
			ActorID: &actor,
			State:   issueState(issue),
		})
		return err
	})
	if err != nil {
		return err
	}

	s.search.DeleteIssue(issue.ID)
	s.deliverEmails(notifs)
	return nil
}

// SetIssueOrders rewrites the board ordering. Position in the list is
// the new sort order. Ordering moves never show up in issue history.
func (s *Service) SetIssueOrders(ctx context.Context, session Session, projectID string, issueIDs []string) error {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.store.Transaction(ctx, func(tx dataStore) error {
		for position, issueID := range issueIDs {
			issue, err := tx.GetIssue(ctx, issueID)
			if err != nil {
				if store.IsNotFound(err) {
					return domainError(http.StatusNotFound, "issue_not_found", "issue not found", nil)
				}
				return err
			}
			if issue.ProjectID != projectID {
				return domainError(http.StatusNotFound, "issue_not_found", "issue not found", nil)
			}
			if err := tx.SetIssueOrder(ctx, issueID, position); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) checkAssignee(ctx context.Context, projectID string, assigneeID *string) error {
	if assigneeID == nil {
		return nil
	}
	isMember, err := s.store.IsProjectMember(ctx, projectID, *assigneeID)
	if err != nil {
		return err
	}
	if !isMember {
		return domainError(http.StatusBadRequest, "assignee_not_member", "assignee must be a project member", nil)
	}
	return nil
}

func (s *Service) issuePayload(ctx context.Context, issue store.Issue, viewerID string) (map[string]any, error) {
	taggings, err := s.store.ListIssueTaggings(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(taggings))
	for _, tagging := range taggings {
		tags = append(tags, tagging.TagName)
	}
	subscribed, err := s.store.IsSubscribed(ctx, issue.ID, viewerID)
	if err != nil {
		return nil, err
	}
	assignee, err := s.userRef(ctx, issue.AssigneeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         issue.ID,
		"project_id": issue.ProjectID,
		"key":        issue.Key,
		"title":      issue.Title,
		"body":       issue.Body,
		"status":     issue.Status,
		"author_id":  issue.AuthorID,
		"assignee":   assignee,
		"order":      issue.SortOrder,
		"tags":       tags,
		"subscribed": subscribed,
		"created_at": issue.CreatedAt,
		"updated_at": issue.UpdatedAt,
	}, nil
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":         project.ID,
		"name":       project.Name,
		"key":        project.Key,
		"leader_id":  project.LeaderID,
		"order":      project.SortOrder,
		"created_at": project.CreatedAt,
		"updated_at": project.UpdatedAt,
	}
}

func memberPayload(member store.ProjectMember) map[string]any {
	return map[string]any{
		"project_id": member.ProjectID,
		"user_id":    member.UserID,
		"username":   member.Username,
		"email":      member.Email,
		"joined_at":  member.JoinedAt,
	}
}

func tagPayload(tag store.Tag) map[string]any {
	return map[string]any{
		"id":         tag.ID,
		"project_id": tag.ProjectID,
		"name":       tag.Name,
		"created_at": tag.CreatedAt,
	}
}

func (s *Service) commentPayload(ctx context.Context, comment store.Comment) (map[string]any, error) {
	author, err := s.userRef(ctx, &comment.AuthorID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         comment.ID,
		"issue_id":   comment.IssueID,
		"author":     author,
		"body":       comment.Body,
		"created_at": comment.CreatedAt,
		"updated_at": comment.UpdatedAt,
	}, nil
}

// userRef renders {id, username} for a possibly absent user. Vanished
// users keep their id with a null username.
func (s *Service) userRef(ctx context.Context, userID *string) (map[string]any, error) {
	ref := map[string]any{"id": nil, "username": nil}
	if userID == nil {
		return ref, nil
	}
	ref["id"] = *userID
	user, err := s.store.GetUserByID(ctx, *userID)
	if err != nil {
		if store.IsNotFound(err) {
			return ref, nil
		}
		return nil, err
	}
	ref["username"] = user.Username
	return ref, nil
}

func issueState(issue store.Issue) history.IssueState {
	return history.IssueState{
		Key:        issue.Key,
		Title:      issue.Title,
		Body:       issue.Body,
		Status:     issue.Status,
		AssigneeID: issue.AssigneeID,
		Order:      issue.SortOrder,
	}
}

func issueRecord(issue store.Issue) search.IssueRecord {
	return search.IssueRecord{
		ID:        issue.ID,
		Key:       issue.Key,
		Title:     issue.Title,
		Body:      issue.Body,
		Status:    issue.Status,
		ProjectID: issue.ProjectID,
	}
}

func decodeAssignee(raw json.RawMessage) (*string, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if string(raw) == "null" {
		return nil, true, nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false, domainError(http.StatusBadRequest, "invalid_assignee", "assignee_id must be a user id or null", nil)
	}
	return &id, true, nil
}

// ---- tags ----

func (s *Service) ListProjectTags(ctx context.Context, session Session, projectID string) ([]store.Tag, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListProjectTags(ctx, projectID)
}

// SetIssueTags replaces the issue's tag set. Attaches and detaches each
// get their own revision on the issue timeline.
func (s *Service) SetIssueTags(ctx context.Context, session Session, projectID, issueID string, names []string) ([]string, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return nil, err
	}

	desired := make([]string, 0, len(names))
	seen := make(map[string]struct{})
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		desired = append(desired, name)
	}

	actor := session.UserID
	var notifs []store.Notification
	err = s.store.Transaction(ctx, func(tx dataStore) error {
		current, err := tx.ListIssueTaggings(ctx, issue.ID)
		if err != nil {
			return err
		}
		attached := make(map[string]store.IssueTagging, len(current))
		for _, tagging := range current {
			attached[tagging.TagName] = tagging
		}

		track := tracker(tx)
		for _, name := range desired {
			if _, ok := attached[name]; ok {
				continue
			}
			tag, err := tx.EnsureTag(ctx, store.Tag{ID: util.NewID("tag"), ProjectID: projectID, Name: name})
			if err != nil {
				return err
			}
			tagging := store.IssueTagging{ID: util.NewID("itg"), IssueID: issue.ID, TagID: tag.ID, TagName: tag.Name}
			if err := tx.CreateIssueTagging(ctx, tagging); err != nil {
				return err
			}
			_, delivered, err := track.RecordTaggingChange(ctx, history.TaggingChange{
				TaggingID: tagging.ID,
				IssueID:   issue.ID,
				IssueKey:  issue.Key,
				Type:      history.Created,
				ActorID:   &actor,
				State:     history.TaggingState{TagID: tag.ID, TagName: tag.Name},
			})
			if err != nil {
				return err
			}
			notifs = append(notifs, delivered...)
		}
		for name, tagging := range attached {
			if _, ok := seen[name]; ok {
				continue
			}
			if err := tx.DeleteIssueTagging(ctx, tagging.ID); err != nil {
				return err
			}
			_, delivered, err := track.RecordTaggingChange(ctx, history.TaggingChange{
				TaggingID: tagging.ID,
				IssueID:   issue.ID,
				IssueKey:  issue.Key,
				Type:      history.Deleted,
				ActorID:   &actor,
				State:     history.TaggingState{TagID: tagging.TagID, TagName: tagging.TagName},
			})
			if err != nil {
				return err
			}
			notifs = append(notifs, delivered...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deliverEmails(notifs)
	return desired, nil
}

// ---- subscriptions ----

// ToggleSubscription flips the caller's subscription and returns the
// resulting subscriber id list.
func (s *Service) ToggleSubscription(ctx context.Context, session Session, projectID, issueID string) (map[string]any, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return nil, err
	}

	subscribed, err := s.store.IsSubscribed(ctx, issue.ID, session.UserID)
	if err != nil {
		return nil, err
	}
	if subscribed {
		err = s.store.Unsubscribe(ctx, issue.ID, session.UserID)
	} else {
		err = s.store.Subscribe(ctx, issue.ID, session.UserID)
	}
	if err != nil {
		return nil, err
	}

	subscribers, err := s.store.ListSubscribers(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subscribers))
	for _, sub := range subscribers {
		ids = append(ids, sub.ID)
	}
	return map[string]any{"subscribers": ids}, nil
}

// ---- comments ----

func (s *Service) CreateComment(ctx context.Context, session Session, projectID, issueID, body string) (store.Comment, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite); err != nil {
		return store.Comment{}, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return store.Comment{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, domainError(http.StatusBadRequest, "invalid_body", "comment body is required", nil)
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		IssueID:  issue.ID,
		AuthorID: session.UserID,
		Body:     body,
	}
	if err := s.store.CreateComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	s.search.IndexComment(search.CommentRecord{
		ID:        comment.ID,
		Body:      comment.Body,
		IssueID:   issue.ID,
		IssueKey:  issue.Key,
		ProjectID: issue.ProjectID,
	})
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, projectID, issueID string) ([]map[string]any, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, issue.ID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		payload, err := s.commentPayload(ctx, comment)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, projectID, issueID, commentID, body string) (store.Comment, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite); err != nil {
		return store.Comment{}, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return store.Comment{}, err
	}
	comment, err := s.issueComment(ctx, issue.ID, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != session.UserID {
		return store.Comment{}, domainError(http.StatusForbidden, "not_comment_author", "only the author can edit a comment", nil)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, domainError(http.StatusBadRequest, "invalid_body", "comment body is required", nil)
	}

	if err := s.store.UpdateComment(ctx, comment.ID, body); err != nil {
		return store.Comment{}, err
	}
	comment.Body = body

	s.search.IndexComment(search.CommentRecord{
		ID:        comment.ID,
		Body:      comment.Body,
		IssueID:   issue.ID,
		IssueKey:  issue.Key,
		ProjectID: issue.ProjectID,
	})
	return comment, nil
}

func (s *Service) DeleteComment(ctx context.Context, session Session, projectID, issueID, commentID string) error {
	project, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return err
	}
	comment, err := s.issueComment(ctx, issue.ID, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != session.UserID && project.LeaderID != session.UserID {
		return domainError(http.StatusForbidden, "not_comment_author", "only the author or project leader can delete a comment", nil)
	}

	if err := s.store.DeleteComment(ctx, comment.ID); err != nil {
		return err
	}
	s.search.DeleteComment(comment.ID)
	return nil
}

func (s *Service) issueComment(ctx context.Context, issueID, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Comment{}, domainError(http.StatusNotFound, "comment_not_found", "comment not found", nil)
		}
		return store.Comment{}, err
	}
	if comment.IssueID != issueID {
		return store.Comment{}, domainError(http.StatusNotFound, "comment_not_found", "comment not found", nil)
	}
	return comment, nil
}

// ---- history ----

// IssueHistory renders one page of the issue timeline, newest first.
func (s *Service) IssueHistory(ctx context.Context, session Session, projectID, issueID string, pageNum int) (history.Page, error) {
	if _, err := s.requireProject(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return history.Page{}, err
	}
	issue, err := s.projectIssue(ctx, projectID, issueID)
	if err != nil {
		return history.Page{}, err
	}
	return tracker(s.store).Timeline(ctx, issue.ID, pageNum)
}

// ---- notifications ----

func (s *Service) UnreadNotifications(ctx context.Context, session Session) (map[string]any, error) {
	count, err := s.store.CountUnreadNotifications(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	notifs, err := s.store.ListUnreadNotifications(ctx, session.UserID, notificationMax)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(notifs))
	for _, n := range notifs {
		actor, err := s.userRef(ctx, n.ActorID)
		if err != nil {
			return nil, err
		}
		items = append(items, map[string]any{
			"id":          n.ID,
			"actor":       actor,
			"verb":        n.Verb,
			"description": n.Message,
			"unread":      !n.IsRead,
			"timestamp":   n.CreatedAt,
			"target": map[string]any{
				"issue": map[string]any{
					"id":  n.IssueID,
					"key": n.IssueKey,
				},
			},
		})
	}
	return map[string]any{
		"unread_count": count,
		"unread_list":  items,
	}, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	err := s.store.MarkNotificationRead(ctx, session.UserID, notificationID)
	if err != nil {
		if store.IsNotFound(err) {
			return domainError(http.StatusNotFound, "notification_not_found", "notification not found", nil)
		}
		return err
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) error {
	return s.store.MarkAllNotificationsRead(ctx, session.UserID)
}

// ---- search ----

// Search runs a full-text query scoped to projects the caller belongs to.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if q.FilterProjectID != "" {
		if _, err := s.requireProject(ctx, q.FilterProjectID, session.UserID, rbac.ActionRead); err != nil {
			return search.Response{}, err
		}
		return s.search.Search(q), nil
	}

	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	member := make(map[string]struct{}, len(projects))
	for _, project := range projects {
		member[project.ID] = struct{}{}
	}

	resp := s.search.Search(q)
	visible := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		if _, ok := member[result.ProjectID]; ok {
			visible = append(visible, result)
		}
	}
	resp.Results = visible
	resp.Total = len(visible)
	return resp, nil
}

// ---- email fan-out ----

// deliverEmails sends the email leg of already-committed notifications.
// The inbox row is the exactly-once record; email is best effort.
func (s *Service) deliverEmails(notifs []store.Notification) {
	if len(notifs) == 0 || !s.email.IsConfigured() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		base := strings.TrimRight(s.cfg.AppBaseURL, "/")
		for _, n := range notifs {
			recipient, err := s.store.GetUserByID(ctx, n.RecipientID)
			if err != nil {
				log.Printf("notification email lookup %s: %v", n.RecipientID, err)
				continue
			}
			actorName := ""
			if n.ActorID != nil {
				if actor, err := s.store.GetUserByID(ctx, *n.ActorID); err == nil {
					actorName = actor.Username
				}
			}
			issueURL := fmt.Sprintf("%s/issues/%s", base, n.IssueID)
			if err := s.email.SendIssueNotificationEmail(recipient.Email, recipient.Username, n.IssueKey, n.Message, actorName, issueURL); err != nil {
				log.Printf("send notification email %s: %v", n.ID, err)
			}
		}
	}()
}
