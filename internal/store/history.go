package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendRevision inserts the next revision in the (kind, entity) chain.
// The current head row is locked FOR UPDATE so concurrent appends for
// the same entity serialize and seq stays gapless.
func (s *PostgresStore) AppendRevision(ctx context.Context, rev Revision) (Revision, error) {
	var (
		prevID  *int64
		prevSeq int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT revision_id, seq FROM revisions
		WHERE kind=$1 AND entity_id=$2
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE
	`, rev.Kind, rev.EntityID).Scan(&prevID, &prevSeq)
	if err != nil && !IsNotFound(err) {
		return Revision{}, fmt.Errorf("lock revision head: %w", err)
	}

	rev.Seq = prevSeq + 1
	rev.PrevID = prevID

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO revisions (kind, entity_id, seq, prev_id, change_type, actor_id, issue_id,
			issue_key, title, body, status, assignee_id, sort_order, tag_id, tag_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING revision_id, recorded_at
	`, rev.Kind, rev.EntityID, rev.Seq, rev.PrevID, rev.ChangeType, rev.ActorID, rev.IssueID,
		rev.IssueKey, rev.Title, rev.Body, rev.Status, rev.AssigneeID, rev.SortOrder, rev.TagID, rev.TagName,
	).Scan(&rev.RevisionID, &rev.RecordedAt)
	if err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}
	return rev, nil
}

const revisionColumns = `
	revision_id, kind, entity_id, seq, prev_id, change_type, actor_id, recorded_at, issue_id,
	issue_key, title, body, status, assignee_id, sort_order, tag_id, tag_name
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner, rev *Revision) error {
	return row.Scan(
		&rev.RevisionID, &rev.Kind, &rev.EntityID, &rev.Seq, &rev.PrevID, &rev.ChangeType,
		&rev.ActorID, &rev.RecordedAt, &rev.IssueID,
		&rev.IssueKey, &rev.Title, &rev.Body, &rev.Status, &rev.AssigneeID, &rev.SortOrder,
		&rev.TagID, &rev.TagName,
	)
}

func (s *PostgresStore) GetRevision(ctx context.Context, kind string, revisionID int64) (Revision, error) {
	var rev Revision
	err := scanRevision(s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM revisions WHERE kind=$1 AND revision_id=$2
	`, kind, revisionID), &rev)
	if err != nil {
		return Revision{}, err
	}
	return rev, nil
}

func (s *PostgresStore) LatestRevision(ctx context.Context, kind, entityID string) (*Revision, error) {
	var rev Revision
	err := scanRevision(s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM revisions
		WHERE kind=$1 AND entity_id=$2
		ORDER BY seq DESC
		LIMIT 1
	`, kind, entityID), &rev)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest revision: %w", err)
	}
	return &rev, nil
}

// RecordIssueHistory indexes a revision on its issue's timeline. The
// insert is a no-op when the (kind, revision_id) pair is already there.
func (s *PostgresStore) RecordIssueHistory(ctx context.Context, kind string, revisionID int64, issueID string, recordedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_history (kind, revision_id, issue_id, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, revision_id) DO NOTHING
	`, kind, revisionID, issueID, recordedAt)
	if err != nil {
		return fmt.Errorf("record issue history: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountIssueHistory(ctx context.Context, issueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issue_history WHERE issue_id=$1`, issueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count issue history: %w", err)
	}
	return count, nil
}

// ListIssueHistory returns one page of the issue timeline, newest
// first, with the acting user's username joined in.
func (s *PostgresStore) ListIssueHistory(ctx context.Context, issueID string, limit, offset int) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.revision_id, r.kind, r.entity_id, r.seq, r.prev_id, r.change_type, r.actor_id,
			r.recorded_at, r.issue_id, r.issue_key, r.title, r.body, r.status, r.assignee_id,
			r.sort_order, r.tag_id, r.tag_name, u.username
		FROM issue_history ih
		JOIN revisions r ON r.kind = ih.kind AND r.revision_id = ih.revision_id
		LEFT JOIN users u ON u.id = r.actor_id
		WHERE ih.issue_id = $1
		ORDER BY ih.recorded_at DESC, ih.revision_id DESC
		LIMIT $2 OFFSET $3
	`, issueID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list issue history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryRow, 0)
	for rows.Next() {
		var item HistoryRow
		if err := rows.Scan(
			&item.RevisionID, &item.Kind, &item.EntityID, &item.Seq, &item.PrevID, &item.ChangeType,
			&item.ActorID, &item.RecordedAt, &item.IssueID, &item.IssueKey, &item.Title, &item.Body,
			&item.Status, &item.AssigneeID, &item.SortOrder, &item.TagID, &item.TagName, &item.ActorUsername,
		); err != nil {
			return nil, fmt.Errorf("scan issue history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, issueID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (issue_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (issue_id, user_id) DO NOTHING
	`, issueID, userID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unsubscribe(ctx context.Context, issueID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE issue_id=$1 AND user_id=$2`, issueID, userID)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsSubscribed(ctx context.Context, issueID, userID string) (bool, error) {
	var subscribed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM subscriptions WHERE issue_id=$1 AND user_id=$2)
	`, issueID, userID).Scan(&subscribed)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return subscribed, nil
}

func (s *PostgresStore) ListSubscribers(ctx context.Context, issueID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email
		FROM subscriptions sub
		JOIN users u ON u.id = sub.user_id
		WHERE sub.issue_id = $1
		ORDER BY sub.created_at
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Username, &item.Email); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return items, nil
}

// CreateNotification inserts an inbox row, reporting whether it was new.
// The unique (recipient, kind, revision) constraint makes reprocessing
// the same revision a no-op for each recipient.
func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, revision_id, issue_id, issue_key, verb, message, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (recipient_id, kind, revision_id) DO NOTHING
	`, n.ID, n.RecipientID, n.Kind, n.RevisionID, n.IssueID, n.IssueKey, n.Verb, n.Message, n.ActorID)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return inserted > 0, nil
}

func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, revision_id, issue_id, issue_key, verb, message, actor_id, is_read, created_at
		FROM notifications
		WHERE recipient_id=$1 AND is_read=FALSE
		ORDER BY created_at DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.RecipientID, &item.Kind, &item.RevisionID, &item.IssueID,
			&item.IssueKey, &item.Verb, &item.Message, &item.ActorID, &item.IsRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id=$1 AND is_read=FALSE
	`, recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, recipientID, notificationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE WHERE id=$1 AND recipient_id=$2
	`, notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE WHERE recipient_id=$1 AND is_read=FALSE
	`, recipientID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}
