// Package history records revisions of tracked issue entities, indexes
// them on a per-issue timeline, and fans change notifications out to
// issue subscribers.
package history

import (
	"context"
	"fmt"
	"time"

	"smallissue/api/internal/store"
	"smallissue/api/internal/util"
)

type EntityKind string

const (
	KindIssue   EntityKind = "ISSUE"
	KindTagging EntityKind = "TAGGING"
)

type ChangeType string

const (
	Created ChangeType = "CREATED"
	Updated ChangeType = "UPDATED"
	Deleted ChangeType = "DELETED"
)

// IssueState is the full issue snapshot captured by a revision.
type IssueState struct {
	Key        string
	Title      string
	Body       string
	Status     string
	AssigneeID *string
	Order      int
}

// TaggingState is the tagging snapshot captured by a revision. The tag
// name is denormalized so renames never rewrite old history.
type TaggingState struct {
	TagID   string
	TagName string
}

type IssueChange struct {
	IssueID string
	Type    ChangeType
	ActorID *string
	State   IssueState
}

type TaggingChange struct {
	TaggingID string
	IssueID   string
	IssueKey  string
	Type      ChangeType
	ActorID   *string
	State     TaggingState
}

type RevisionStore interface {
	AppendRevision(ctx context.Context, rev store.Revision) (store.Revision, error)
	GetRevision(ctx context.Context, kind string, revisionID int64) (store.Revision, error)
	LatestRevision(ctx context.Context, kind, entityID string) (*store.Revision, error)
}

type Index interface {
	RecordIssueHistory(ctx context.Context, kind string, revisionID int64, issueID string, recordedAt time.Time) error
	CountIssueHistory(ctx context.Context, issueID string) (int, error)
	ListIssueHistory(ctx context.Context, issueID string, limit, offset int) ([]store.HistoryRow, error)
}

type SubscriberStore interface {
	ListSubscribers(ctx context.Context, issueID string) ([]store.User, error)
}

type Inbox interface {
	CreateNotification(ctx context.Context, n store.Notification) (bool, error)
}

type IdentityResolver interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Tracker is the write and read side of issue history. Record calls are
// expected to run inside the same transaction as the mutation they
// describe, so a rollback discards the revision, its index entry, and
// its notifications together.
type Tracker struct {
	revisions   RevisionStore
	index       Index
	subscribers SubscriberStore
	inbox       Inbox
	users       IdentityResolver
}

func NewTracker(revisions RevisionStore, index Index, subscribers SubscriberStore, inbox Inbox, users IdentityResolver) *Tracker {
	return &Tracker{
		revisions:   revisions,
		index:       index,
		subscribers: subscribers,
		inbox:       inbox,
		users:       users,
	}
}

// RecordIssueChange appends an issue revision, indexes it on the issue
// timeline, and writes inbox notifications for every subscriber except
// the actor. It returns the notifications that were actually inserted.
func (t *Tracker) RecordIssueChange(ctx context.Context, change IssueChange) (store.Revision, []store.Notification, error) {
	rev := store.Revision{
		Kind:       string(KindIssue),
		EntityID:   change.IssueID,
		ChangeType: string(change.Type),
		ActorID:    change.ActorID,
		IssueID:    change.IssueID,
		IssueKey:   change.State.Key,
		Title:      change.State.Title,
		Body:       change.State.Body,
		Status:     change.State.Status,
		AssigneeID: change.State.AssigneeID,
		SortOrder:  change.State.Order,
	}
	return t.record(ctx, rev)
}

// RecordTaggingChange appends a tagging revision onto its own entity
// chain and indexes it on the owning issue's timeline.
func (t *Tracker) RecordTaggingChange(ctx context.Context, change TaggingChange) (store.Revision, []store.Notification, error) {
	rev := store.Revision{
		Kind:       string(KindTagging),
		EntityID:   change.TaggingID,
		ChangeType: string(change.Type),
		ActorID:    change.ActorID,
		IssueID:    change.IssueID,
		IssueKey:   change.IssueKey,
		TagID:      change.State.TagID,
		TagName:    change.State.TagName,
	}
	return t.record(ctx, rev)
}

func (t *Tracker) record(ctx context.Context, rev store.Revision) (store.Revision, []store.Notification, error) {
	rev, err := t.revisions.AppendRevision(ctx, rev)
	if err != nil {
		return store.Revision{}, nil, fmt.Errorf("append %s revision: %w", rev.Kind, err)
	}
	if err := t.index.RecordIssueHistory(ctx, rev.Kind, rev.RevisionID, rev.IssueID, rev.RecordedAt); err != nil {
		return store.Revision{}, nil, err
	}
	notifs, err := t.notify(ctx, rev)
	if err != nil {
		return store.Revision{}, nil, err
	}
	return rev, notifs, nil
}

// Previous returns the revision a given revision was diffed against, or
// nil for the first revision of an entity.
func (t *Tracker) Previous(ctx context.Context, rev store.Revision) (*store.Revision, error) {
	if rev.PrevID == nil {
		return nil, nil
	}
	prev, err := t.revisions.GetRevision(ctx, rev.Kind, *rev.PrevID)
	if err != nil {
		return nil, fmt.Errorf("previous revision: %w", err)
	}
	return &prev, nil
}

func verbFor(kind EntityKind, change ChangeType) (verb, message string, err error) {
	switch kind {
	case KindTagging:
		return "update", "issue updated", nil
	case KindIssue:
		switch change {
		case Created:
			return "create", "issue created", nil
		case Deleted:
			return "delete", "issue deleted", nil
		default:
			return "update", "issue updated", nil
		}
	default:
		return "", "", fmt.Errorf("unknown history kind %q", kind)
	}
}

func (t *Tracker) notify(ctx context.Context, rev store.Revision) ([]store.Notification, error) {
	verb, message, err := verbFor(EntityKind(rev.Kind), ChangeType(rev.ChangeType))
	if err != nil {
		return nil, err
	}

	subscribers, err := t.subscribers.ListSubscribers(ctx, rev.IssueID)
	if err != nil {
		return nil, err
	}

	var delivered []store.Notification
	for _, sub := range subscribers {
		if rev.ActorID != nil && sub.ID == *rev.ActorID {
			continue
		}
		n := store.Notification{
			ID:          util.NewID("ntf"),
			RecipientID: sub.ID,
			Kind:        rev.Kind,
			RevisionID:  rev.RevisionID,
			IssueID:     rev.IssueID,
			IssueKey:    rev.IssueKey,
			Verb:        verb,
			Message:     message,
			ActorID:     rev.ActorID,
		}
		inserted, err := t.inbox.CreateNotification(ctx, n)
		if err != nil {
			return nil, err
		}
		if inserted {
			delivered = append(delivered, n)
		}
	}
	return delivered, nil
}
