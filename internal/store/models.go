package store

import "time"

type User struct {
	ID                    string
	Username              string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID        string
	Name      string
	Key       string
	LeaderID  string
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Username  string
	Email     string
	JoinedAt  time.Time
}

type Issue struct {
	ID         string
	ProjectID  string
	Key        string
	Title      string
	Body       string
	Status     string
	AuthorID   string
	AssigneeID *string
	SortOrder  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

type Tag struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

type IssueTagging struct {
	ID      string
	IssueID string
	TagID   string
	TagName string
}

type Comment struct {
	ID        string
	IssueID   string
	AuthorID  string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Revision is one recorded change to a tracked entity. RevisionID is
// global per kind; Seq is the gapless per-entity ordinal.
type Revision struct {
	RevisionID int64
	Kind       string
	EntityID   string
	Seq        int64
	PrevID     *int64
	ChangeType string
	ActorID    *string
	RecordedAt time.Time
	IssueID    string

	// Issue snapshot columns, populated when Kind is "ISSUE".
	IssueKey   string
	Title      string
	Body       string
	Status     string
	AssigneeID *string
	SortOrder  int

	// Tagging snapshot columns, populated when Kind is "TAGGING".
	TagID   string
	TagName string
}

// HistoryRow joins an issue_history index entry with its revision and
// the acting user, ordered for the history timeline.
type HistoryRow struct {
	Revision
	ActorUsername *string
}

type Subscription struct {
	IssueID   string
	UserID    string
	CreatedAt time.Time
}

type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	RevisionID  int64
	IssueID     string
	IssueKey    string
	Verb        string
	Message     string
	ActorID     *string
	IsRead      bool
	CreatedAt   time.Time
}
