package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FlagThreshold is the fixed count of distinct-user flags at which a
// comment auto-escalates for moderation review.
const FlagThreshold = 3

const (
	FlagStatusPending  = "PENDING"
	FlagStatusApproved = "APPROVED"
	FlagStatusRejected = "REJECTED"
)

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, issue_id, author_id, parent_id, body)
			VALUES ($1, $2, $3, $4, $5)
		`, comment.ID, comment.IssueID, comment.AuthorID, comment.ParentID, comment.Body)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET comments_posted = comments_posted + 1, updated_at=NOW() WHERE id=$1
		`, comment.AuthorID); err != nil {
			return fmt.Errorf("bump comments_posted: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.issue_id, c.author_id, c.parent_id, c.body, c.flag_count, c.is_flagged,
			c.created_at, c.updated_at, u.display_name
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.id=$1
	`, commentID).Scan(
		&item.ID, &item.IssueID, &item.AuthorID, &item.ParentID, &item.Body, &item.FlagCount,
		&item.IsFlagged, &item.CreatedAt, &item.UpdatedAt, &item.AuthorName,
	)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListIssueComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.issue_id, c.author_id, c.parent_id, c.body, c.flag_count, c.is_flagged,
			c.created_at, c.updated_at, u.display_name
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.issue_id=$1
		ORDER BY c.created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(
			&item.ID, &item.IssueID, &item.AuthorID, &item.ParentID, &item.Body, &item.FlagCount,
			&item.IsFlagged, &item.CreatedAt, &item.UpdatedAt, &item.AuthorName,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// FlagResult reports a comment's flag state after a mutation.
type FlagResult struct {
	FlagCount int
	IsFlagged bool
}

// FlagComment records one (comment, reporter) flag, keeps flag_count equal
// to the count of pending flags, and escalates is_flagged at the threshold
// inside the same transaction. A second flag from the same reporter is
// rejected. Author self-flag rejection happens in the caller, which has
// the comment loaded.
func (s *PostgresStore) FlagComment(ctx context.Context, flag CommentFlag) (FlagResult, error) {
	var result FlagResult
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM comments WHERE id=$1)`, flag.CommentID).Scan(&exists); err != nil {
			return fmt.Errorf("check comment: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}

		var already bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM comment_flags WHERE comment_id=$1 AND reporter_id=$2)
		`, flag.CommentID, flag.ReporterID).Scan(&already); err != nil {
			return fmt.Errorf("check existing flag: %w", err)
		}
		if already {
			return ErrDuplicateFlag
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_flags (id, comment_id, reporter_id, reason, details, status)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		`, flag.ID, flag.CommentID, flag.ReporterID, flag.Reason, flag.Details, FlagStatusPending); err != nil {
			return fmt.Errorf("insert comment flag: %w", err)
		}

		err := tx.QueryRowContext(ctx, `
			UPDATE comments
			SET flag_count = sub.pending,
				is_flagged = sub.pending >= $2,
				updated_at = NOW()
			FROM (
				SELECT COUNT(*) AS pending FROM comment_flags
				WHERE comment_id=$1 AND status='PENDING'
			) sub
			WHERE id=$1
			RETURNING flag_count, is_flagged
		`, flag.CommentID, FlagThreshold).Scan(&result.FlagCount, &result.IsFlagged)
		if err != nil {
			return fmt.Errorf("update flag count: %w", err)
		}
		return nil
	})
	if err != nil {
		return FlagResult{}, err
	}
	return result, nil
}

// ApproveComment is the reviewer "keep it" outcome: flag state resets and
// every pending flag is rejected.
func (s *PostgresStore) ApproveComment(ctx context.Context, commentID, reviewerID, feedback string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE comments SET flag_count=0, is_flagged=FALSE, updated_at=NOW() WHERE id=$1
		`, commentID)
		if err != nil {
			return fmt.Errorf("approve comment: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("approve comment rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE comment_flags
			SET status='REJECTED', reviewed_by=$2, review_feedback=NULLIF($3, ''), reviewed_at=NOW()
			WHERE comment_id=$1 AND status='PENDING'
		`, commentID, reviewerID, feedback); err != nil {
			return fmt.Errorf("reject pending flags: %w", err)
		}
		return nil
	})
}

// DeleteFlaggedComment is the reviewer "remove it" outcome: pending flags
// are approved, then the comment and its reply subtree are deleted.
func (s *PostgresStore) DeleteFlaggedComment(ctx context.Context, commentID, reviewerID, feedback string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM comments WHERE id=$1)`, commentID).Scan(&exists); err != nil {
			return fmt.Errorf("check comment: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE comment_flags
			SET status='APPROVED', reviewed_by=$2, review_feedback=NULLIF($3, ''), reviewed_at=NOW()
			WHERE comment_id=$1 AND status='PENDING'
		`, commentID, reviewerID, feedback); err != nil {
			return fmt.Errorf("approve pending flags: %w", err)
		}
		// Collect the comment and every descendant reply, then delete
		// their flags before the rows themselves.
		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE subtree AS (
				SELECT id FROM comments WHERE id=$1
				UNION ALL
				SELECT c.id FROM comments c JOIN subtree s ON c.parent_id = s.id
			)
			DELETE FROM comment_flags WHERE comment_id IN (SELECT id FROM subtree)
		`, commentID); err != nil {
			return fmt.Errorf("delete subtree flags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE subtree AS (
				SELECT id FROM comments WHERE id=$1
				UNION ALL
				SELECT c.id FROM comments c JOIN subtree s ON c.parent_id = s.id
			)
			DELETE FROM comments WHERE id IN (SELECT id FROM subtree)
		`, commentID); err != nil {
			return fmt.Errorf("delete comment subtree: %w", err)
		}
		return nil
	})
}

// ListFlaggedComments returns comments at or past the escalation
// threshold, for the moderation queue.
func (s *PostgresStore) ListFlaggedComments(ctx context.Context) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.issue_id, c.author_id, c.parent_id, c.body, c.flag_count, c.is_flagged,
			c.created_at, c.updated_at, u.display_name
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.is_flagged
		ORDER BY c.flag_count DESC, c.updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list flagged comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(
			&item.ID, &item.IssueID, &item.AuthorID, &item.ParentID, &item.Body, &item.FlagCount,
			&item.IsFlagged, &item.CreatedAt, &item.UpdatedAt, &item.AuthorName,
		); err != nil {
			return nil, fmt.Errorf("scan flagged comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flagged comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCommentFlags(ctx context.Context, commentID string) ([]CommentFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, reporter_id, reason, COALESCE(details, ''), status, created_at
		FROM comment_flags
		WHERE comment_id=$1
		ORDER BY created_at ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list comment flags: %w", err)
	}
	defer rows.Close()

	items := make([]CommentFlag, 0)
	for rows.Next() {
		var item CommentFlag
		if err := rows.Scan(&item.ID, &item.CommentID, &item.ReporterID, &item.Reason, &item.Details, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment flag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment flags: %w", err)
	}
	return items, nil
}
