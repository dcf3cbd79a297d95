package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) NextIssueNumber(ctx context.Context, projectID string) (int, error) {
	// Counts soft-deleted issues too so keys are never reused.
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) + 1 FROM issues WHERE project_id=$1`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next issue number: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateIssue(ctx context.Context, issue Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, key, title, body, status, author_id, assignee_id, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, issue.ID, issue.ProjectID, issue.Key, issue.Title, issue.Body, issue.Status, issue.AuthorID, issue.AssigneeID, issue.SortOrder)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var item Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, key, title, body, status, author_id, assignee_id, sort_order, created_at, updated_at
		FROM issues
		WHERE id=$1 AND deleted_at IS NULL
	`, issueID).Scan(&item.ID, &item.ProjectID, &item.Key, &item.Title, &item.Body, &item.Status,
		&item.AuthorID, &item.AssigneeID, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, projectID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, key, title, body, status, author_id, assignee_id, sort_order, created_at, updated_at
		FROM issues
		WHERE project_id=$1 AND deleted_at IS NULL
		ORDER BY sort_order, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		var item Issue
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Key, &item.Title, &item.Body, &item.Status,
			&item.AuthorID, &item.AssigneeID, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateIssue(ctx context.Context, issue Issue) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET title=$2, body=$3, status=$4, assignee_id=$5, sort_order=$6, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, issue.ID, issue.Title, issue.Body, issue.Status, issue.AssigneeID, issue.SortOrder)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteIssue(ctx context.Context, issueID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, issueID)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetIssueOrder(ctx context.Context, issueID string, sortOrder int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET sort_order=$2, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, issueID, sortOrder)
	if err != nil {
		return fmt.Errorf("set issue order: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureTag(ctx context.Context, tag Tag) (Tag, error) {
	var existing Tag
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at FROM tags WHERE project_id=$1 AND name=$2
	`, tag.ProjectID, tag.Name).Scan(&existing.ID, &existing.ProjectID, &existing.Name, &existing.CreatedAt)
	if err == nil {
		return existing, nil
	}
	if !IsNotFound(err) {
		return Tag{}, fmt.Errorf("lookup tag: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tags (id, project_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, project_id, name, created_at
	`, tag.ID, tag.ProjectID, tag.Name).Scan(&existing.ID, &existing.ProjectID, &existing.Name, &existing.CreatedAt)
	if err != nil {
		return Tag{}, fmt.Errorf("insert tag: %w", err)
	}
	return existing, nil
}

func (s *PostgresStore) ListProjectTags(ctx context.Context, projectID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, created_at FROM tags WHERE project_id=$1 ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListIssueTaggings(ctx context.Context, issueID string) ([]IssueTagging, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT it.id, it.issue_id, it.tag_id, t.name
		FROM issue_taggings it
		JOIN tags t ON t.id = it.tag_id
		WHERE it.issue_id=$1 AND it.deleted_at IS NULL
		ORDER BY t.name
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue taggings: %w", err)
	}
	defer rows.Close()

	items := make([]IssueTagging, 0)
	for rows.Next() {
		var item IssueTagging
		if err := rows.Scan(&item.ID, &item.IssueID, &item.TagID, &item.TagName); err != nil {
			return nil, fmt.Errorf("scan issue tagging: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue taggings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateIssueTagging(ctx context.Context, tagging IssueTagging) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_taggings (id, issue_id, tag_id)
		VALUES ($1, $2, $3)
	`, tagging.ID, tagging.IssueID, tagging.TagID)
	if err != nil {
		return fmt.Errorf("insert issue tagging: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteIssueTagging(ctx context.Context, taggingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issue_taggings SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, taggingID)
	if err != nil {
		return fmt.Errorf("delete issue tagging: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, issue_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.IssueID, comment.AuthorID, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, author_id, body, created_at, updated_at
		FROM comments
		WHERE id=$1 AND deleted_at IS NULL
	`, commentID).Scan(&item.ID, &item.IssueID, &item.AuthorID, &item.Body, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_id, body, created_at, updated_at
		FROM comments
		WHERE issue_id=$1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.AuthorID, &item.Body, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments SET body=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, commentID, body)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE comments SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}
