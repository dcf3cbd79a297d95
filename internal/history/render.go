package history

import (
	"context"
	"fmt"
	"time"

	"smallissue/api/internal/store"
)

// PageSize is the fixed number of timeline entries per history page.
const PageSize = 10

// UserRef renders a user for history payloads. Both fields stay null
// when the referenced user is absent.
type UserRef struct {
	ID       *string `json:"id"`
	Username *string `json:"username"`
}

// ChangeEvent is one rendered change on the issue timeline. For field
// edits OldValue and NewValue carry the raw values, except assignee
// changes where both sides are UserRef objects.
type ChangeEvent struct {
	Field    *string    `json:"field"`
	OldValue any        `json:"old_value"`
	NewValue any        `json:"new_value"`
	User     UserRef    `json:"user"`
	Type     ChangeType `json:"type"`
	Date     time.Time  `json:"date"`
}

// Page is one page of the issue timeline. Count is the total number of
// indexed entries for the issue, not the number of rendered events.
type Page struct {
	List        []ChangeEvent `json:"list"`
	Count       int           `json:"count"`
	PageSize    int           `json:"page_size"`
	CurrentPage int           `json:"current_page"`
}

// Timeline renders one page of an issue's history, newest entries
// first. Page numbers below 1 clamp to the first page; numbers past the
// end return an empty list with the total count intact.
func (t *Tracker) Timeline(ctx context.Context, issueID string, pageNum int) (Page, error) {
	total, err := t.index.CountIssueHistory(ctx, issueID)
	if err != nil {
		return Page{}, err
	}

	if pageNum < 1 {
		pageNum = 1
	}

	rows, err := t.index.ListIssueHistory(ctx, issueID, PageSize, (pageNum-1)*PageSize)
	if err != nil {
		return Page{}, err
	}

	events := make([]ChangeEvent, 0)
	for _, row := range rows {
		rendered, err := t.renderRow(ctx, row)
		if err != nil {
			return Page{}, err
		}
		events = append(events, rendered...)
	}

	return Page{
		List:        events,
		Count:       total,
		PageSize:    PageSize,
		CurrentPage: pageNum,
	}, nil
}

func (t *Tracker) renderRow(ctx context.Context, row store.HistoryRow) ([]ChangeEvent, error) {
	actor := UserRef{ID: row.ActorID, Username: row.ActorUsername}
	base := ChangeEvent{
		User: actor,
		Type: ChangeType(row.ChangeType),
		Date: row.RecordedAt,
	}

	switch EntityKind(row.Kind) {
	case KindTagging:
		// Old history rows always expose the tag under new_value, for
		// attach and detach alike.
		field := "tags"
		event := base
		event.Field = &field
		event.NewValue = row.TagName
		return []ChangeEvent{event}, nil

	case KindIssue:
		if row.PrevID == nil {
			return []ChangeEvent{base}, nil
		}
		prev, err := t.revisions.GetRevision(ctx, row.Kind, *row.PrevID)
		if err != nil {
			return nil, fmt.Errorf("previous revision: %w", err)
		}
		return t.diffIssue(ctx, prev, row.Revision, base)

	default:
		return nil, fmt.Errorf("unknown history kind %q", row.Kind)
	}
}

// diffIssue compares two consecutive issue revisions field by field.
// The issue key and ordering fields never produce events.
func (t *Tracker) diffIssue(ctx context.Context, prev, curr store.Revision, base ChangeEvent) ([]ChangeEvent, error) {
	events := make([]ChangeEvent, 0)

	add := func(field string, oldValue, newValue any) {
		event := base
		event.Field = &field
		event.OldValue = oldValue
		event.NewValue = newValue
		events = append(events, event)
	}

	if prev.Title != curr.Title {
		add("title", prev.Title, curr.Title)
	}
	if prev.Body != curr.Body {
		add("body", prev.Body, curr.Body)
	}
	if !equalID(prev.AssigneeID, curr.AssigneeID) {
		oldRef, err := t.resolveUserRef(ctx, prev.AssigneeID)
		if err != nil {
			return nil, err
		}
		newRef, err := t.resolveUserRef(ctx, curr.AssigneeID)
		if err != nil {
			return nil, err
		}
		add("assignee", oldRef, newRef)
	}
	if prev.Status != curr.Status {
		add("status", prev.Status, curr.Status)
	}

	return events, nil
}

// resolveUserRef looks up a username for an assignee id. A nil id and a
// vanished user both render with a null username.
func (t *Tracker) resolveUserRef(ctx context.Context, userID *string) (UserRef, error) {
	ref := UserRef{ID: userID}
	if userID == nil {
		return ref, nil
	}
	user, err := t.users.GetUserByID(ctx, *userID)
	if err != nil {
		if store.IsNotFound(err) {
			return ref, nil
		}
		return UserRef{}, fmt.Errorf("resolve assignee: %w", err)
	}
	ref.Username = &user.Username
	return ref, nil
}

func equalID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
