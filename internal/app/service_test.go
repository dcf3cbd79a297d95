package app

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"sync"
	"time"

	"smallissue/api/internal/store"
)

// fakeStore is an in-memory dataStore. It mirrors the database
// constraints the service relies on: gapless revision chains per
// entity, one history index entry per revision, and one notification
// per (recipient, kind, revision).
type fakeStore struct {
	mu      sync.Mutex
	now     time.Time
	nextRev int64

	users   map[string]store.User
	resets  map[string]resetRecord
	refresh map[string]refreshRecord
	revoked map[string]bool

	projects map[string]store.Project
	members  map[string]map[string]bool

	issues        map[string]store.Issue
	deletedIssues map[string]bool

	tags            map[string]store.Tag
	taggings        map[string]store.IssueTagging
	deletedTaggings map[string]bool

	comments        map[string]store.Comment
	deletedComments map[string]bool

	revisions  map[string]store.Revision
	heads      map[string]store.Revision
	histIndex  []histEntry
	histKeys   map[string]bool
	subs       map[string][]string
	notifs     map[string]store.Notification
	notifKeys  map[string]bool
	notifOrder []string
}

type resetRecord struct {
	userID    string
	expiresAt time.Time
	used      bool
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

type histEntry struct {
	kind       string
	revisionID int64
	issueID    string
	recordedAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:             time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		users:           make(map[string]store.User),
		resets:          make(map[string]resetRecord),
		refresh:         make(map[string]refreshRecord),
		revoked:         make(map[string]bool),
		projects:        make(map[string]store.Project),
		members:         make(map[string]map[string]bool),
		issues:          make(map[string]store.Issue),
		deletedIssues:   make(map[string]bool),
		tags:            make(map[string]store.Tag),
		taggings:        make(map[string]store.IssueTagging),
		deletedTaggings: make(map[string]bool),
		comments:        make(map[string]store.Comment),
		deletedComments: make(map[string]bool),
		revisions:       make(map[string]store.Revision),
		heads:           make(map[string]store.Revision),
		histKeys:        make(map[string]bool),
		subs:            make(map[string][]string),
		notifs:          make(map[string]store.Notification),
		notifKeys:       make(map[string]bool),
	}
}

// tick advances the fake clock so ordering by timestamp is stable.
func (f *fakeStore) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.CreatedAt = f.tick()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.VerificationToken != "" && user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			user.VerificationExpiresAt = nil
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = resetRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.resets[token]
	if !ok || rec.used || rec.expiresAt.Before(f.now) {
		return "", sql.ErrNoRows
	}
	return rec.userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.resets[token]
	rec.used = true
	f.resets[token] = rec
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.refresh[tokenHash]
	if !ok || rec.revoked || rec.expiresAt.Before(f.now) {
		return store.User{}, sql.ErrNoRows
	}
	user, ok := f.users[rec.userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.refresh[tokenHash]
	rec.revoked = true
	f.refresh[tokenHash] = rec
	return nil
}

func (f *fakeStore) CreateProject(_ context.Context, project store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project.CreatedAt = f.tick()
	project.UpdatedAt = project.CreatedAt
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok || project.DeletedAt != nil {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Project, 0)
	for id, project := range f.projects {
		if project.DeletedAt != nil {
			continue
		}
		if f.members[id][userID] {
			items = append(items, project)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (f *fakeStore) UpdateProject(_ context.Context, projectID, name, leaderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	project.Name = name
	project.LeaderID = leaderID
	project.UpdatedAt = f.tick()
	f.projects[projectID] = project
	return nil
}

func (f *fakeStore) DeleteProject(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	deleted := f.tick()
	project.DeletedAt = &deleted
	f.projects[projectID] = project
	return nil
}

func (f *fakeStore) SetProjectOrder(_ context.Context, projectID string, sortOrder int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	project.SortOrder = sortOrder
	f.projects[projectID] = project
	return nil
}

func (f *fakeStore) ProjectKeyExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, project := range f.projects {
		if project.Key == key && project.DeletedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AddProjectMember(_ context.Context, projectID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[projectID] == nil {
		f.members[projectID] = make(map[string]bool)
	}
	f.members[projectID][userID] = true
	return nil
}

func (f *fakeStore) RemoveProjectMember(_ context.Context, projectID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[projectID], userID)
	return nil
}

func (f *fakeStore) ListProjectMembers(_ context.Context, projectID string) ([]store.ProjectMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.ProjectMember, 0)
	for userID := range f.members[projectID] {
		user := f.users[userID]
		items = append(items, store.ProjectMember{
			ProjectID: projectID,
			UserID:    userID,
			Username:  user.Username,
			Email:     user.Email,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (f *fakeStore) IsProjectMember(_ context.Context, projectID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[projectID][userID], nil
}

func (f *fakeStore) NextIssueNumber(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, issue := range f.issues {
		if issue.ProjectID == projectID {
			count++
		}
	}
	return count + 1, nil
}

func (f *fakeStore) CreateIssue(_ context.Context, issue store.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue.CreatedAt = f.tick()
	issue.UpdatedAt = issue.CreatedAt
	f.issues[issue.ID] = issue
	return nil
}

func (f *fakeStore) GetIssue(_ context.Context, issueID string) (store.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueID]
	if !ok || f.deletedIssues[issueID] {
		return store.Issue{}, sql.ErrNoRows
	}
	return issue, nil
}

func (f *fakeStore) ListIssues(_ context.Context, projectID string) ([]store.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Issue, 0)
	for id, issue := range f.issues {
		if issue.ProjectID == projectID && !f.deletedIssues[id] {
			items = append(items, issue)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (f *fakeStore) UpdateIssue(_ context.Context, issue store.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.issues[issue.ID]
	if !ok || f.deletedIssues[issue.ID] {
		return sql.ErrNoRows
	}
	existing.Title = issue.Title
	existing.Body = issue.Body
	existing.Status = issue.Status
	existing.AssigneeID = issue.AssigneeID
	existing.SortOrder = issue.SortOrder
	existing.UpdatedAt = f.tick()
	f.issues[issue.ID] = existing
	return nil
}

func (f *fakeStore) DeleteIssue(_ context.Context, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIssues[issueID] = true
	return nil
}

func (f *fakeStore) SetIssueOrder(_ context.Context, issueID string, sortOrder int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueID]
	if !ok {
		return sql.ErrNoRows
	}
	issue.SortOrder = sortOrder
	f.issues[issueID] = issue
	return nil
}

func (f *fakeStore) EnsureTag(_ context.Context, tag store.Tag) (store.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tags {
		if existing.ProjectID == tag.ProjectID && existing.Name == tag.Name {
			return existing, nil
		}
	}
	tag.CreatedAt = f.tick()
	f.tags[tag.ID] = tag
	return tag, nil
}

func (f *fakeStore) ListProjectTags(_ context.Context, projectID string) ([]store.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Tag, 0)
	for _, tag := range f.tags {
		if tag.ProjectID == projectID {
			items = append(items, tag)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (f *fakeStore) ListIssueTaggings(_ context.Context, issueID string) ([]store.IssueTagging, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.IssueTagging, 0)
	for id, tagging := range f.taggings {
		if tagging.IssueID != issueID || f.deletedTaggings[id] {
			continue
		}
		tagging.TagName = f.tags[tagging.TagID].Name
		items = append(items, tagging)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TagName < items[j].TagName })
	return items, nil
}

func (f *fakeStore) CreateIssueTagging(_ context.Context, tagging store.IssueTagging) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taggings[tagging.ID] = tagging
	return nil
}

func (f *fakeStore) DeleteIssueTagging(_ context.Context, taggingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTaggings[taggingID] = true
	return nil
}

func (f *fakeStore) CreateComment(_ context.Context, comment store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment.CreatedAt = f.tick()
	comment.UpdatedAt = comment.CreatedAt
	f.comments[comment.ID] = comment
	return nil
}

func (f *fakeStore) GetComment(_ context.Context, commentID string) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment, ok := f.comments[commentID]
	if !ok || f.deletedComments[commentID] {
		return store.Comment{}, sql.ErrNoRows
	}
	return comment, nil
}

func (f *fakeStore) ListComments(_ context.Context, issueID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Comment, 0)
	for id, comment := range f.comments {
		if comment.IssueID == issueID && !f.deletedComments[id] {
			items = append(items, comment)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (f *fakeStore) UpdateComment(_ context.Context, commentID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment, ok := f.comments[commentID]
	if !ok || f.deletedComments[commentID] {
		return sql.ErrNoRows
	}
	comment.Body = body
	comment.UpdatedAt = f.tick()
	f.comments[commentID] = comment
	return nil
}

func (f *fakeStore) DeleteComment(_ context.Context, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedComments[commentID] = true
	return nil
}

func revKey(kind string, revisionID int64) string {
	return kind + "|" + strconv.FormatInt(revisionID, 10)
}

func (f *fakeStore) AppendRevision(_ context.Context, rev store.Revision) (store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	headKey := rev.Kind + "|" + rev.EntityID
	if head, ok := f.heads[headKey]; ok {
		prevID := head.RevisionID
		rev.PrevID = &prevID
		rev.Seq = head.Seq + 1
	} else {
		rev.Seq = 1
	}
	f.nextRev++
	rev.RevisionID = f.nextRev
	rev.RecordedAt = f.tick()
	f.revisions[revKey(rev.Kind, rev.RevisionID)] = rev
	f.heads[headKey] = rev
	return rev, nil
}

func (f *fakeStore) GetRevision(_ context.Context, kind string, revisionID int64) (store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.revisions[revKey(kind, revisionID)]
	if !ok {
		return store.Revision{}, sql.ErrNoRows
	}
	return rev, nil
}

func (f *fakeStore) LatestRevision(_ context.Context, kind, entityID string) (*store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	head, ok := f.heads[kind+"|"+entityID]
	if !ok {
		return nil, nil
	}
	return &head, nil
}

func (f *fakeStore) RecordIssueHistory(_ context.Context, kind string, revisionID int64, issueID string, recordedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := revKey(kind, revisionID)
	if f.histKeys[key] {
		return nil
	}
	f.histKeys[key] = true
	f.histIndex = append(f.histIndex, histEntry{kind: kind, revisionID: revisionID, issueID: issueID, recordedAt: recordedAt})
	return nil
}

func (f *fakeStore) CountIssueHistory(_ context.Context, issueID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, entry := range f.histIndex {
		if entry.issueID == issueID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) ListIssueHistory(_ context.Context, issueID string, limit, offset int) ([]store.HistoryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]histEntry, 0)
	for _, entry := range f.histIndex {
		if entry.issueID == issueID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].recordedAt.Equal(entries[j].recordedAt) {
			return entries[i].recordedAt.After(entries[j].recordedAt)
		}
		return entries[i].revisionID > entries[j].revisionID
	})
	if offset > len(entries) {
		offset = len(entries)
	}
	entries = entries[offset:]
	if limit < len(entries) {
		entries = entries[:limit]
	}

	rows := make([]store.HistoryRow, 0, len(entries))
	for _, entry := range entries {
		rev := f.revisions[revKey(entry.kind, entry.revisionID)]
		row := store.HistoryRow{Revision: rev}
		if rev.ActorID != nil {
			if actor, ok := f.users[*rev.ActorID]; ok {
				username := actor.Username
				row.ActorUsername = &username
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeStore) Subscribe(_ context.Context, issueID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.subs[issueID] {
		if existing == userID {
			return nil
		}
	}
	f.subs[issueID] = append(f.subs[issueID], userID)
	return nil
}

func (f *fakeStore) Unsubscribe(_ context.Context, issueID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.subs[issueID][:0]
	for _, existing := range f.subs[issueID] {
		if existing != userID {
			kept = append(kept, existing)
		}
	}
	f.subs[issueID] = kept
	return nil
}

func (f *fakeStore) IsSubscribed(_ context.Context, issueID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.subs[issueID] {
		if existing == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListSubscribers(_ context.Context, issueID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.User, 0, len(f.subs[issueID]))
	for _, userID := range f.subs[issueID] {
		user := f.users[userID]
		items = append(items, store.User{ID: userID, Username: user.Username, Email: user.Email})
	}
	return items, nil
}

func (f *fakeStore) CreateNotification(_ context.Context, n store.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := n.RecipientID + "|" + revKey(n.Kind, n.RevisionID)
	if f.notifKeys[key] {
		return false, nil
	}
	f.notifKeys[key] = true
	n.CreatedAt = f.tick()
	f.notifs[n.ID] = n
	f.notifOrder = append(f.notifOrder, n.ID)
	return true, nil
}

func (f *fakeStore) ListUnreadNotifications(_ context.Context, recipientID string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Notification, 0)
	for i := len(f.notifOrder) - 1; i >= 0 && len(items) < limit; i-- {
		n := f.notifs[f.notifOrder[i]]
		if n.RecipientID == recipientID && !n.IsRead {
			items = append(items, n)
		}
	}
	return items, nil
}

func (f *fakeStore) CountUnreadNotifications(_ context.Context, recipientID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notifs {
		if n.RecipientID == recipientID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, recipientID, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifs[notificationID]
	if !ok || n.RecipientID != recipientID {
		return sql.ErrNoRows
	}
	n.IsRead = true
	f.notifs[notificationID] = n
	return nil
}

func (f *fakeStore) MarkAllNotificationsRead(_ context.Context, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.notifs {
		if n.RecipientID == recipientID {
			n.IsRead = true
			f.notifs[id] = n
		}
	}
	return nil
}

func (f *fakeStore) Transaction(_ context.Context, fn func(tx dataStore) error) error {
	return fn(f)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
