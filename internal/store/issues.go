package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Issue statuses. Transitions are not validated against a predecessor set;
// only the actor's authorization gates a change.
const (
	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusInProgress   = "IN_PROGRESS"
	StatusResolved     = "RESOLVED"
	StatusArchived     = "ARCHIVED"
	StatusDuplicate    = "DUPLICATE"
)

// Reputation deltas applied by lifecycle and voting events.
const (
	RepIssueReported   = 5
	RepIssueResolved   = 10
	RepDuplicateCredit = 2
	RepUpvote          = 2
	RepDownvote        = -1
)

const issueColumns = `i.id, i.title, i.description, COALESCE(i.location, ''), i.status,
	i.category_id, i.zone_id, i.reporter_id, i.assigned_to, i.primary_issue_id,
	i.vote_score, i.urgency_score, i.created_at, i.updated_at, i.resolved_at,
	c.name, z.name, u.display_name`

const issueJoins = `
	FROM issues i
	JOIN issue_categories c ON c.id = i.category_id
	JOIN zones z ON z.id = i.zone_id
	JOIN users u ON u.id = i.reporter_id`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var item Issue
	err := row.Scan(
		&item.ID, &item.Title, &item.Description, &item.Location, &item.Status,
		&item.CategoryID, &item.ZoneID, &item.ReporterID, &item.AssignedTo, &item.PrimaryIssueID,
		&item.VoteScore, &item.UrgencyScore, &item.CreatedAt, &item.UpdatedAt, &item.ResolvedAt,
		&item.CategoryName, &item.ZoneName, &item.ReporterName,
	)
	return item, err
}

// CreateIssue inserts an issue with status OPEN, awards the reporter the
// fixed report credit and bumps their issues_reported counter. The zone
// must exist and be active; everything runs in one transaction.
func (s *PostgresStore) CreateIssue(ctx context.Context, issue Issue) (Issue, error) {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT is_active FROM zones WHERE id=$1`, issue.ZoneID).Scan(&active)
		if err != nil {
			return err
		}
		if !active {
			return ErrZoneInactive
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (id, title, description, location, status, category_id, zone_id, reporter_id, urgency_score)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		`, issue.ID, issue.Title, issue.Description, issue.Location, StatusOpen,
			issue.CategoryID, issue.ZoneID, issue.ReporterID, issue.UrgencyScore); err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET issues_reported = issues_reported + 1, updated_at=NOW() WHERE id=$1
		`, issue.ReporterID); err != nil {
			return fmt.Errorf("bump issues_reported: %w", err)
		}
		return adjustReputation(ctx, tx, issue.ReporterID, RepIssueReported)
	})
	if err != nil {
		return Issue{}, err
	}
	return s.GetIssue(ctx, issue.ID)
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	return scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+issueJoins+` WHERE i.id=$1`, issueID))
}

// ListIssues returns issues matching the filter. The WHERE clause is
// assembled with squirrel because the filter set is combinatorial.
func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error) {
	builder := sq.Select(
		"i.id", "i.title", "i.description", "COALESCE(i.location, '')", "i.status",
		"i.category_id", "i.zone_id", "i.reporter_id", "i.assigned_to", "i.primary_issue_id",
		"i.vote_score", "i.urgency_score", "i.created_at", "i.updated_at", "i.resolved_at",
		"c.name", "z.name", "u.display_name",
	).
		From("issues i").
		Join("issue_categories c ON c.id = i.category_id").
		Join("zones z ON z.id = i.zone_id").
		Join("users u ON u.id = i.reporter_id").
		PlaceholderFormat(sq.Dollar)

	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"i.status": filter.Status})
	} else {
		builder = builder.Where(sq.NotEq{"i.status": StatusArchived})
	}
	if filter.CategoryID != "" {
		builder = builder.Where(sq.Eq{"i.category_id": filter.CategoryID})
	}
	if filter.ZoneID != "" {
		builder = builder.Where(sq.Eq{"i.zone_id": filter.ZoneID})
	}
	if filter.ReporterID != "" {
		builder = builder.Where(sq.Eq{"i.reporter_id": filter.ReporterID})
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		builder = builder.Where(sq.Or{
			sq.ILike{"i.title": pattern},
			sq.ILike{"i.description": pattern},
		})
	}

	switch filter.Sort {
	case "oldest":
		builder = builder.OrderBy("i.created_at ASC")
	case "votes":
		builder = builder.OrderBy("i.vote_score DESC", "i.created_at DESC")
	case "urgency":
		builder = builder.OrderBy("i.urgency_score DESC", "i.created_at DESC")
	default:
		builder = builder.OrderBy("i.created_at DESC")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	builder = builder.Limit(uint64(limit))
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build issue query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// UpdateIssueStatus sets the status, appends a history row and, when the
// new status is RESOLVED, stamps resolved_at and awards the reporter the
// resolution credit. One transaction; authorization happens in the caller.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID, newStatus, actorID, reason string) (Issue, error) {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var oldStatus, reporterID string
		err := tx.QueryRowContext(ctx, `
			SELECT status, reporter_id FROM issues WHERE id=$1 FOR UPDATE
		`, issueID).Scan(&oldStatus, &reporterID)
		if err != nil {
			return err
		}

		if newStatus == StatusResolved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE issues SET status=$2, resolved_at=NOW(), updated_at=NOW() WHERE id=$1
			`, issueID, newStatus); err != nil {
				return fmt.Errorf("resolve issue: %w", err)
			}
			if err := adjustReputation(ctx, tx, reporterID, RepIssueResolved); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE issues SET status=$2, updated_at=NOW() WHERE id=$1
			`, issueID, newStatus); err != nil {
				return fmt.Errorf("update issue status: %w", err)
			}
		}

		return appendHistory(ctx, tx, issueID, oldStatus, newStatus, actorID, reason)
	})
	if err != nil {
		return Issue{}, err
	}
	return s.GetIssue(ctx, issueID)
}

// MarkDuplicate links an issue to its primary, sets status DUPLICATE and
// credits the duplicate's own reporter (not the primary's) with the
// duplicate-report credit. Source behavior, preserved deliberately.
func (s *PostgresStore) MarkDuplicate(ctx context.Context, issueID, primaryIssueID, actorID, reason string) (Issue, error) {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issues WHERE id=$1)`, primaryIssueID).Scan(&exists); err != nil {
			return fmt.Errorf("check primary issue: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}

		var oldStatus, reporterID string
		err := tx.QueryRowContext(ctx, `
			SELECT status, reporter_id FROM issues WHERE id=$1 FOR UPDATE
		`, issueID).Scan(&oldStatus, &reporterID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE issues SET status=$2, primary_issue_id=$3, updated_at=NOW() WHERE id=$1
		`, issueID, StatusDuplicate, primaryIssueID); err != nil {
			return fmt.Errorf("mark duplicate: %w", err)
		}
		if err := adjustReputation(ctx, tx, reporterID, RepDuplicateCredit); err != nil {
			return err
		}
		return appendHistory(ctx, tx, issueID, oldStatus, StatusDuplicate, actorID, reason)
	})
	if err != nil {
		return Issue{}, err
	}
	return s.GetIssue(ctx, issueID)
}

// HardDeleteIssue irreversibly removes an issue and every dependent row:
// comment flags, comments, votes, history and media records. Returns the
// URLs of removed media so the caller can delete the stored objects.
func (s *PostgresStore) HardDeleteIssue(ctx context.Context, issueID string) ([]string, error) {
	var mediaURLs []string
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issues WHERE id=$1)`, issueID).Scan(&exists); err != nil {
			return fmt.Errorf("check issue: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}

		rows, err := tx.QueryContext(ctx, `SELECT url FROM issue_media WHERE issue_id=$1`, issueID)
		if err != nil {
			return fmt.Errorf("list issue media: %w", err)
		}
		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				rows.Close()
				return fmt.Errorf("scan media url: %w", err)
			}
			mediaURLs = append(mediaURLs, url)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate media urls: %w", err)
		}

		statements := []string{
			`DELETE FROM comment_flags WHERE comment_id IN (SELECT id FROM comments WHERE issue_id=$1)`,
			`DELETE FROM comments WHERE issue_id=$1`,
			`DELETE FROM votes WHERE issue_id=$1`,
			`DELETE FROM issue_history WHERE issue_id=$1`,
			`DELETE FROM issue_media WHERE issue_id=$1`,
			`UPDATE issues SET primary_issue_id=NULL WHERE primary_issue_id=$1`,
			`DELETE FROM issues WHERE id=$1`,
		}
		for _, statement := range statements {
			if _, err := tx.ExecContext(ctx, statement, issueID); err != nil {
				return fmt.Errorf("hard delete issue: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mediaURLs, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, issueID, oldStatus, newStatus, actorID, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issue_history (issue_id, old_status, new_status, actor_id, reason)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, issueID, oldStatus, newStatus, actorID, reason)
	if err != nil {
		return fmt.Errorf("append issue history: %w", err)
	}
	return nil
}

// AddIssueNote appends a history row that records commentary without a
// status change, so triage notes share the same audit trail.
func (s *PostgresStore) AddIssueNote(ctx context.Context, issueID, actorID, note string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE id=$1`, issueID).Scan(&status); err != nil {
			return err
		}
		return appendHistory(ctx, tx, issueID, status, status, actorID, note)
	})
}

func (s *PostgresStore) ListIssueHistory(ctx context.Context, issueID string) ([]IssueHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.issue_id, h.old_status, h.new_status, h.actor_id, COALESCE(h.reason, ''), h.created_at, u.display_name
		FROM issue_history h
		JOIN users u ON u.id = h.actor_id
		WHERE h.issue_id=$1
		ORDER BY h.created_at ASC, h.id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue history: %w", err)
	}
	defer rows.Close()

	items := make([]IssueHistoryEntry, 0)
	for rows.Next() {
		var item IssueHistoryEntry
		if err := rows.Scan(&item.ID, &item.IssueID, &item.OldStatus, &item.NewStatus, &item.ActorID, &item.Reason, &item.CreatedAt, &item.ActorName); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue history: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Voting ledger

// VoteResult describes what a vote mutation did and the recomputed score.
type VoteResult struct {
	Action    string // "added", "removed", "changed"
	VoteScore int
}

// CastVote applies the ledger rules for one (voter, issue) pair: no row
// inserts, same value toggles off, opposite value flips in place. The
// issue's vote_score is recomputed as the full signed sum after every
// mutation and the reporter's reputation moves by the matching delta.
// Self-vote rejection is the caller's responsibility.
func (s *PostgresStore) CastVote(ctx context.Context, issueID, voterID string, voteType int) (VoteResult, error) {
	var result VoteResult
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var reporterID string
		if err := tx.QueryRowContext(ctx, `
			SELECT reporter_id FROM issues WHERE id=$1 FOR UPDATE
		`, issueID).Scan(&reporterID); err != nil {
			return err
		}

		var existing int
		err := tx.QueryRowContext(ctx, `
			SELECT vote_type FROM votes WHERE issue_id=$1 AND user_id=$2 FOR UPDATE
		`, issueID, voterID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup vote: %w", err)
		}

		var delta int
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO votes (issue_id, user_id, vote_type) VALUES ($1, $2, $3)
			`, issueID, voterID, voteType); err != nil {
				return fmt.Errorf("insert vote: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE users SET votes_cast = votes_cast + 1, updated_at=NOW() WHERE id=$1
			`, voterID); err != nil {
				return fmt.Errorf("bump votes_cast: %w", err)
			}
			delta = voteDelta(voteType)
			result.Action = "added"
		case existing == voteType:
			// Same value again is a toggle-off.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM votes WHERE issue_id=$1 AND user_id=$2
			`, issueID, voterID); err != nil {
				return fmt.Errorf("delete vote: %w", err)
			}
			delta = -voteDelta(existing)
			result.Action = "removed"
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE votes SET vote_type=$3 WHERE issue_id=$1 AND user_id=$2
			`, issueID, voterID, voteType); err != nil {
				return fmt.Errorf("flip vote: %w", err)
			}
			delta = voteDelta(voteType) - voteDelta(existing)
			result.Action = "changed"
		}

		score, err := recomputeVoteScore(ctx, tx, issueID)
		if err != nil {
			return err
		}
		result.VoteScore = score
		return adjustReputation(ctx, tx, reporterID, delta)
	})
	if err != nil {
		return VoteResult{}, err
	}
	return result, nil
}

// DeleteVote is the explicit removal path. Unlike the toggle-off inside
// CastVote it errors when no vote exists.
func (s *PostgresStore) DeleteVote(ctx context.Context, issueID, voterID string) (VoteResult, error) {
	var result VoteResult
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var reporterID string
		if err := tx.QueryRowContext(ctx, `
			SELECT reporter_id FROM issues WHERE id=$1 FOR UPDATE
		`, issueID).Scan(&reporterID); err != nil {
			return err
		}

		var existing int
		err := tx.QueryRowContext(ctx, `
			SELECT vote_type FROM votes WHERE issue_id=$1 AND user_id=$2 FOR UPDATE
		`, issueID, voterID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoVote
		}
		if err != nil {
			return fmt.Errorf("lookup vote: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM votes WHERE issue_id=$1 AND user_id=$2
		`, issueID, voterID); err != nil {
			return fmt.Errorf("delete vote: %w", err)
		}

		score, err := recomputeVoteScore(ctx, tx, issueID)
		if err != nil {
			return err
		}
		result.Action = "removed"
		result.VoteScore = score
		return adjustReputation(ctx, tx, reporterID, -voteDelta(existing))
	})
	if err != nil {
		return VoteResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) GetVote(ctx context.Context, issueID, userID string) (Vote, error) {
	var item Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, user_id, vote_type, created_at
		FROM votes WHERE issue_id=$1 AND user_id=$2
	`, issueID, userID).Scan(&item.ID, &item.IssueID, &item.UserID, &item.VoteType, &item.CreatedAt)
	if err != nil {
		return Vote{}, err
	}
	return item, nil
}

// recomputeVoteScore rewrites the denormalized score as the exact signed
// sum, never an increment, so concurrent writers cannot drift it.
func recomputeVoteScore(ctx context.Context, tx *sql.Tx, issueID string) (int, error) {
	var score int
	err := tx.QueryRowContext(ctx, `
		UPDATE issues
		SET vote_score = (SELECT COALESCE(SUM(vote_type), 0) FROM votes WHERE issue_id=$1)
		WHERE id=$1
		RETURNING vote_score
	`, issueID).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("recompute vote score: %w", err)
	}
	return score, nil
}

func voteDelta(voteType int) int {
	if voteType > 0 {
		return RepUpvote
	}
	return RepDownvote
}

// ---------------------------------------------------------------------------
// Issue media

func (s *PostgresStore) InsertIssueMedia(ctx context.Context, media IssueMedia) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_media (id, issue_id, url, media_type)
		VALUES ($1, $2, $3, $4)
	`, media.ID, media.IssueID, media.URL, media.MediaType)
	if err != nil {
		return fmt.Errorf("insert issue media: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIssueMedia(ctx context.Context, issueID string) ([]IssueMedia, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, url, media_type, created_at
		FROM issue_media
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue media: %w", err)
	}
	defer rows.Close()

	items := make([]IssueMedia, 0)
	for rows.Next() {
		var item IssueMedia
		if err := rows.Scan(&item.ID, &item.IssueID, &item.URL, &item.MediaType, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan issue media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue media: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Steward queries

// ListStewardIssues returns issues inside the steward's active
// (category, zone) assignments.
func (s *PostgresStore) ListStewardIssues(ctx context.Context, stewardID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+issueJoins+`
		WHERE EXISTS (
			SELECT 1 FROM steward_category_assignments a
			WHERE a.steward_id=$1 AND a.category_id=i.category_id AND a.zone_id=i.zone_id AND a.is_active
		)
		AND i.status NOT IN ('ARCHIVED', 'DUPLICATE')
		ORDER BY i.urgency_score DESC, i.created_at DESC
	`, stewardID)
	if err != nil {
		return nil, fmt.Errorf("list steward issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan steward issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steward issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetStewardWorkload(ctx context.Context, stewardID string) (StewardWorkload, error) {
	workload := StewardWorkload{StewardID: stewardID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE i.status IN ('OPEN', 'ACKNOWLEDGED')),
			COUNT(*) FILTER (WHERE i.status = 'IN_PROGRESS'),
			COUNT(*) FILTER (WHERE i.status = 'RESOLVED'),
			COUNT(*)
		FROM issues i
		WHERE EXISTS (
			SELECT 1 FROM steward_category_assignments a
			WHERE a.steward_id=$1 AND a.category_id=i.category_id AND a.zone_id=i.zone_id AND a.is_active
		)
	`, stewardID).Scan(&workload.Open, &workload.InProgress, &workload.Resolved, &workload.Total)
	if err != nil {
		return StewardWorkload{}, fmt.Errorf("steward workload: %w", err)
	}
	return workload, nil
}
