package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"smallissue/api/internal/auth"
	"smallissue/api/internal/authpw"
	"smallissue/api/internal/config"
	"smallissue/api/internal/email"
	"smallissue/api/internal/history"
	"smallissue/api/internal/search"
	"smallissue/api/internal/store"
)

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Hour,
			RefreshTTL:  24 * time.Hour,
			AppBaseURL:  "http://localhost:3000",
		},
		store:    fs,
		sessions: fs,
		accounts: authpw.NewService(fs),
		email:    email.NewService(email.Config{}),
		search:   search.NewService(nil, nil),
	}
}

func addUser(fs *fakeStore, id, username, emailAddr string) Session {
	fs.users[id] = store.User{ID: id, Username: username, Email: emailAddr, IsEmailVerified: true}
	return Session{UserID: id, Username: username}
}

func mustCreateProject(t *testing.T, svc *Service, session Session, name, key string) store.Project {
	t.Helper()
	project, err := svc.CreateProject(context.Background(), session, CreateProjectInput{Name: name, Key: key})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	return project
}

func mustCreateIssue(t *testing.T, svc *Service, session Session, projectID, title string) store.Issue {
	t.Helper()
	issue, err := svc.CreateIssue(context.Background(), session, projectID, CreateIssueInput{Title: title})
	if err != nil {
		t.Fatalf("CreateIssue() error = %v", err)
	}
	return issue
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status
}

func TestSignUpSignInRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newFakeStore())

	payload, err := svc.SignUp(ctx, authpw.SignUpRequest{
		Email:    "avery@example.com",
		Password: "correct-horse",
		Username: "avery",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	// SMTP is not configured, so the account is verified immediately.
	if payload["requires_email_verify"] != false {
		t.Fatalf("expected requires_email_verify false, got %v", payload["requires_email_verify"])
	}

	session, err := svc.SignIn(ctx, "avery@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if session.Username != "avery" {
		t.Fatalf("expected username avery, got %q", session.Username)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != session.UserID {
		t.Fatalf("expected user %s, got %s", session.UserID, parsed.UserID)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected replayed refresh token to be rejected")
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newFakeStore())

	if _, err := svc.SignUp(ctx, authpw.SignUpRequest{
		Email:    "avery@example.com",
		Password: "correct-horse",
		Username: "avery",
	}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	_, err := svc.SignIn(ctx, "avery@example.com", "wrong")
	if status := domainStatus(t, err); status != 401 {
		t.Fatalf("expected status 401, got %d", status)
	}
}

// idOnlySessions mimics backends that persist only the user id for a
// refresh token, the way the Redis store does.
type idOnlySessions struct {
	*fakeStore
}

func (s idOnlySessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, err := s.fakeStore.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return store.User{}, err
	}
	return store.User{ID: user.ID}, nil
}

func TestRefreshReloadsUserFromStore(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.sessions = idOnlySessions{fs}

	addUser(fs, "usr_a", "avery", "avery@example.com")
	session, err := svc.issueSession(ctx, fs.users["usr_a"])
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if rotated.Username != "avery" {
		t.Fatalf("rotated session username = %q, want avery", rotated.Username)
	}
	claims, err := auth.ParseToken([]byte(svc.cfg.TokenSecret), rotated.Token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Username != "avery" {
		t.Fatalf("rotated token username claim = %q, want avery", claims.Username)
	}
}

func TestCreateProjectValidatesKey(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")

	_, err := svc.CreateProject(ctx, alice, CreateProjectInput{Name: "Payments", Key: "1BAD"})
	if status := domainStatus(t, err); status != 400 {
		t.Fatalf("expected status 400 for bad key, got %d", status)
	}

	project := mustCreateProject(t, svc, alice, "Payments", "pay")
	if project.Key != "PAY" {
		t.Fatalf("expected key normalized to PAY, got %q", project.Key)
	}
	if project.LeaderID != alice.UserID {
		t.Fatalf("expected creator as leader, got %q", project.LeaderID)
	}

	isMember, err := fs.IsProjectMember(ctx, project.ID, alice.UserID)
	if err != nil || !isMember {
		t.Fatalf("expected leader to be a member, got member=%v err=%v", isMember, err)
	}

	_, err = svc.CreateProject(ctx, alice, CreateProjectInput{Name: "Other", Key: "PAY"})
	if status := domainStatus(t, err); status != 409 {
		t.Fatalf("expected status 409 for duplicate key, got %d", status)
	}

	check, err := svc.CheckProjectKey(ctx, "PAY")
	if err != nil {
		t.Fatalf("CheckProjectKey() error = %v", err)
	}
	if check["available"] != false {
		t.Fatalf("expected PAY unavailable, got %v", check["available"])
	}
}

func TestNonMemberCannotAccessProject(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	mallory := addUser(fs, "usr_mallory", "mallory", "mallory@example.com")

	project := mustCreateProject(t, svc, alice, "Payments", "PAY")

	_, err := svc.GetProject(ctx, mallory, project.ID)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected status 403 for non-member, got %d", status)
	}

	_, err = svc.GetProject(ctx, alice, "prj_missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected status 404 for unknown project, got %d", status)
	}
}

func TestCreateIssueGeneratesSequentialKeys(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")

	first := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")
	second := mustCreateIssue(t, svc, alice, project.ID, "Refund stuck")
	if first.Key != "PAY-1" || second.Key != "PAY-2" {
		t.Fatalf("expected PAY-1 and PAY-2, got %q and %q", first.Key, second.Key)
	}

	if err := svc.DeleteIssue(ctx, alice, project.ID, second.ID); err != nil {
		t.Fatalf("DeleteIssue() error = %v", err)
	}
	third := mustCreateIssue(t, svc, alice, project.ID, "Invoice typo")
	if third.Key != "PAY-3" {
		t.Fatalf("expected deleted issues to keep consuming numbers, got %q", third.Key)
	}

	subscribed, err := fs.IsSubscribed(ctx, first.ID, alice.UserID)
	if err != nil || !subscribed {
		t.Fatalf("expected author auto-subscription, got subscribed=%v err=%v", subscribed, err)
	}
}

func TestIssueLifecycleRecordsHistory(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")

	newTitle := "Checkout fails on retry"
	newStatus := "DOING"
	if _, err := svc.UpdateIssue(ctx, alice, project.ID, issue.ID, UpdateIssueInput{
		Title:  &newTitle,
		Status: &newStatus,
	}); err != nil {
		t.Fatalf("UpdateIssue() error = %v", err)
	}

	page, err := svc.IssueHistory(ctx, alice, project.ID, issue.ID, 1)
	if err != nil {
		t.Fatalf("IssueHistory() error = %v", err)
	}
	if page.Count != 2 {
		t.Fatalf("expected 2 indexed entries, got %d", page.Count)
	}
	if page.PageSize != history.PageSize || page.CurrentPage != 1 {
		t.Fatalf("unexpected paging: %+v", page)
	}
	// Newest first: title and status edits, then the creation marker.
	if len(page.List) != 3 {
		t.Fatalf("expected 3 rendered events, got %d", len(page.List))
	}
	if page.List[0].Field == nil || *page.List[0].Field != "title" {
		t.Fatalf("expected first event on title, got %+v", page.List[0])
	}
	if page.List[0].NewValue != newTitle {
		t.Fatalf("expected new title %q, got %v", newTitle, page.List[0].NewValue)
	}
	if page.List[1].Field == nil || *page.List[1].Field != "status" {
		t.Fatalf("expected second event on status, got %+v", page.List[1])
	}
	creation := page.List[2]
	if creation.Field != nil || creation.OldValue != nil || creation.NewValue != nil {
		t.Fatalf("expected bare creation event, got %+v", creation)
	}
	if creation.Type != history.Created {
		t.Fatalf("expected creation type, got %q", creation.Type)
	}
	if creation.User.Username == nil || *creation.User.Username != "alice" {
		t.Fatalf("expected actor alice, got %+v", creation.User)
	}
}

func TestUpdateIssueAssigneeRendersUserRefs(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	addUser(fs, "usr_bob", "bob", "bob@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	if err := svc.AddProjectMember(ctx, alice, project.ID, "bob"); err != nil {
		t.Fatalf("AddProjectMember() error = %v", err)
	}
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")

	if _, err := svc.UpdateIssue(ctx, alice, project.ID, issue.ID, UpdateIssueInput{
		AssigneeID: json.RawMessage(`"usr_bob"`),
	}); err != nil {
		t.Fatalf("assign: UpdateIssue() error = %v", err)
	}
	if _, err := svc.UpdateIssue(ctx, alice, project.ID, issue.ID, UpdateIssueInput{
		AssigneeID: json.RawMessage(`null`),
	}); err != nil {
		t.Fatalf("unassign: UpdateIssue() error = %v", err)
	}

	page, err := svc.IssueHistory(ctx, alice, project.ID, issue.ID, 1)
	if err != nil {
		t.Fatalf("IssueHistory() error = %v", err)
	}
	if len(page.List) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.List))
	}

	unassign := page.List[0]
	if unassign.Field == nil || *unassign.Field != "assignee" {
		t.Fatalf("expected assignee event, got %+v", unassign)
	}
	oldRef, ok := unassign.OldValue.(history.UserRef)
	if !ok || oldRef.Username == nil || *oldRef.Username != "bob" {
		t.Fatalf("expected old assignee bob, got %v", unassign.OldValue)
	}
	newRef, ok := unassign.NewValue.(history.UserRef)
	if !ok || newRef.ID != nil {
		t.Fatalf("expected null new assignee, got %v", unassign.NewValue)
	}

	_, err = svc.UpdateIssue(ctx, alice, project.ID, issue.ID, UpdateIssueInput{
		AssigneeID: json.RawMessage(`"usr_stranger"`),
	})
	if status := domainStatus(t, err); status != 400 {
		t.Fatalf("expected status 400 for non-member assignee, got %d", status)
	}
}

func TestUpdateIssueNotifiesSubscribersNotActor(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	bob := addUser(fs, "usr_bob", "bob", "bob@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	if err := svc.AddProjectMember(ctx, alice, project.ID, "bob"); err != nil {
		t.Fatalf("AddProjectMember() error = %v", err)
	}
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")

	if _, err := svc.ToggleSubscription(ctx, bob, project.ID, issue.ID); err != nil {
		t.Fatalf("ToggleSubscription() error = %v", err)
	}

	newStatus := "DONE"
	if _, err := svc.UpdateIssue(ctx, alice, project.ID, issue.ID, UpdateIssueInput{Status: &newStatus}); err != nil {
		t.Fatalf("UpdateIssue() error = %v", err)
	}

	bobInbox, err := svc.UnreadNotifications(ctx, bob)
	if err != nil {
		t.Fatalf("UnreadNotifications() error = %v", err)
	}
	if bobInbox["unread_count"] != 1 {
		t.Fatalf("expected 1 unread for subscriber, got %v", bobInbox["unread_count"])
	}
	list := bobInbox["unread_list"].([]map[string]any)
	entry := list[0]
	if entry["description"] != "issue updated" || entry["verb"] != "update" {
		t.Fatalf("unexpected notification wording: %+v", entry)
	}
	actor := entry["actor"].(map[string]any)
	if actor["username"] != "alice" {
		t.Fatalf("expected actor alice, got %v", actor)
	}
	target := entry["target"].(map[string]any)["issue"].(map[string]any)
	if target["key"] != issue.Key {
		t.Fatalf("expected target key %q, got %v", issue.Key, target["key"])
	}

	aliceInbox, err := svc.UnreadNotifications(ctx, alice)
	if err != nil {
		t.Fatalf("UnreadNotifications() error = %v", err)
	}
	if aliceInbox["unread_count"] != 0 {
		t.Fatalf("expected no self-notification for the actor, got %v", aliceInbox["unread_count"])
	}
}

func TestMarkNotificationRead(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	bob := addUser(fs, "usr_bob", "bob", "bob@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	if err := svc.AddProjectMember(ctx, alice, project.ID, "bob"); err != nil {
		t.Fatalf("AddProjectMember() error = %v", err)
	}
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")
	if _, err := svc.ToggleSubscription(ctx, bob, project.ID, issue.ID); err != nil {
		t.Fatalf("ToggleSubscription() error = %v", err)
	}
	newStatus := "DOING"
	if _, err := svc.UpdateIssue(ctx, alice, project.ID, issue.ID, UpdateIssueInput{Status: &newStatus}); err != nil {
		t.Fatalf("UpdateIssue() error = %v", err)
	}

	err := svc.MarkNotificationRead(ctx, bob, "ntf_missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected status 404 for unknown notification, got %d", status)
	}

	inbox, err := svc.UnreadNotifications(ctx, bob)
	if err != nil {
		t.Fatalf("UnreadNotifications() error = %v", err)
	}
	list := inbox["unread_list"].([]map[string]any)
	id := list[0]["id"].(string)

	if err := svc.MarkNotificationRead(ctx, bob, id); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	inbox, err = svc.UnreadNotifications(ctx, bob)
	if err != nil {
		t.Fatalf("UnreadNotifications() error = %v", err)
	}
	if inbox["unread_count"] != 0 {
		t.Fatalf("expected inbox drained, got %v", inbox["unread_count"])
	}
}

func TestSetIssueTagsRecordsTimelineEvents(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")

	tags, err := svc.SetIssueTags(ctx, alice, project.ID, issue.ID, []string{"backend", "backend", " "})
	if err != nil {
		t.Fatalf("SetIssueTags() error = %v", err)
	}
	if len(tags) != 1 || tags[0] != "backend" {
		t.Fatalf("expected deduplicated [backend], got %v", tags)
	}

	if _, err := svc.SetIssueTags(ctx, alice, project.ID, issue.ID, nil); err != nil {
		t.Fatalf("detach: SetIssueTags() error = %v", err)
	}

	page, err := svc.IssueHistory(ctx, alice, project.ID, issue.ID, 1)
	if err != nil {
		t.Fatalf("IssueHistory() error = %v", err)
	}
	if page.Count != 3 {
		t.Fatalf("expected creation plus attach plus detach, got count %d", page.Count)
	}

	detach, attach := page.List[0], page.List[1]
	for _, event := range []history.ChangeEvent{detach, attach} {
		if event.Field == nil || *event.Field != "tags" {
			t.Fatalf("expected tags event, got %+v", event)
		}
		if event.NewValue != "backend" {
			t.Fatalf("expected tag name under new_value, got %v", event.NewValue)
		}
	}
	if detach.Type != history.Deleted || attach.Type != history.Created {
		t.Fatalf("unexpected event types: detach=%q attach=%q", detach.Type, attach.Type)
	}
}

func TestToggleSubscriptionReturnsSubscribers(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	bob := addUser(fs, "usr_bob", "bob", "bob@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	if err := svc.AddProjectMember(ctx, alice, project.ID, "bob"); err != nil {
		t.Fatalf("AddProjectMember() error = %v", err)
	}
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")

	payload, err := svc.ToggleSubscription(ctx, bob, project.ID, issue.ID)
	if err != nil {
		t.Fatalf("ToggleSubscription() error = %v", err)
	}
	subscribers := payload["subscribers"].([]string)
	if len(subscribers) != 2 {
		t.Fatalf("expected author and bob subscribed, got %v", subscribers)
	}

	payload, err = svc.ToggleSubscription(ctx, bob, project.ID, issue.ID)
	if err != nil {
		t.Fatalf("ToggleSubscription() error = %v", err)
	}
	subscribers = payload["subscribers"].([]string)
	if len(subscribers) != 1 || subscribers[0] != alice.UserID {
		t.Fatalf("expected only the author after unsubscribe, got %v", subscribers)
	}
}

func TestSetIssueOrdersAppliesPositions(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	a := mustCreateIssue(t, svc, alice, project.ID, "A")
	b := mustCreateIssue(t, svc, alice, project.ID, "B")
	c := mustCreateIssue(t, svc, alice, project.ID, "C")

	if err := svc.SetIssueOrders(ctx, alice, project.ID, []string{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("SetIssueOrders() error = %v", err)
	}

	issues, err := fs.ListIssues(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListIssues() error = %v", err)
	}
	got := []string{issues[0].Title, issues[1].Title, issues[2].Title}
	want := []string{"C", "A", "B"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	// Ordering moves are excluded from history.
	page, err := svc.IssueHistory(ctx, alice, project.ID, a.ID, 1)
	if err != nil {
		t.Fatalf("IssueHistory() error = %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("expected only the creation entry, got count %d", page.Count)
	}
}

func TestSetProjectOrdersAppliesPositions(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	mallory := addUser(fs, "usr_mallory", "mallory", "mallory@example.com")
	first := mustCreateProject(t, svc, alice, "Payments", "PAY")
	second := mustCreateProject(t, svc, alice, "Billing", "BILL")

	if err := svc.SetProjectOrders(ctx, alice, []string{second.ID, first.ID}); err != nil {
		t.Fatalf("SetProjectOrders() error = %v", err)
	}
	projects, err := svc.ListProjects(ctx, alice)
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 2 || projects[0].ID != second.ID {
		t.Fatalf("expected Billing first, got %v", projects)
	}

	err = svc.SetProjectOrders(ctx, mallory, []string{first.ID})
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected status 403 for non-member reorder, got %d", status)
	}
}

func TestCommentPermissions(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := addUser(fs, "usr_alice", "alice", "alice@example.com")
	bob := addUser(fs, "usr_bob", "bob", "bob@example.com")
	project := mustCreateProject(t, svc, alice, "Payments", "PAY")
	if err := svc.AddProjectMember(ctx, alice, project.ID, "bob"); err != nil {
		t.Fatalf("AddProjectMember() error = %v", err)
	}
	issue := mustCreateIssue(t, svc, alice, project.ID, "Checkout fails")

	comment, err := svc.CreateComment(ctx, bob, project.ID, issue.ID, "repro attached")
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}

	_, err = svc.UpdateComment(ctx, alice, project.ID, issue.ID, comment.ID, "rewrite")
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected status 403 for non-author edit, got %d", status)
	}

	// The project leader may delete someone else's comment.
	if err := svc.DeleteComment(ctx, alice, project.ID, issue.ID, comment.ID); err != nil {
		t.Fatalf("DeleteComment() error = %v", err)
	}
	comments, err := svc.ListComments(ctx, alice, project.ID, issue.ID)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 0 {
		t.Fatalf("expected comment gone, got %d", len(comments))
	}

	// Commenting leaves no trace on the issue timeline.
	page, err := svc.IssueHistory(ctx, alice, project.ID, issue.ID, 1)
	if err != nil {
		t.Fatalf("IssueHistory() error = %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("expected only the creation entry, got count %d", page.Count)
	}
}
