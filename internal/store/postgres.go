package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to the service layer, which maps them onto the
// domain error taxonomy.
var (
	ErrZoneInactive        = errors.New("zone is not active")
	ErrZoneHasActiveIssues = errors.New("zone has active issues")
	ErrDuplicateAssignment = errors.New("assignment already exists for steward, category and zone")
	ErrDuplicateFlag       = errors.New("comment already flagged by this user")
	ErrNoVote              = errors.New("no vote exists for this user and issue")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

const userColumns = `id, display_name, email, password_hash, role, reputation,
	issues_reported, votes_cast, comments_posted, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, deactivated_at,
	created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Role, &u.Reputation,
		&u.IssuesReported, &u.VotesCast, &u.CommentsPosted, &u.IsEmailVerified,
		&u.VerificationToken, &u.VerificationExpiresAt, &u.DeactivatedAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1
	`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user role rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE password_resets SET used_at=NOW() WHERE token=$1
	`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// adjustReputation applies a signed delta with a floor of zero and awards
// any badges the new score unlocks, inside the caller's transaction.
func adjustReputation(ctx context.Context, tx *sql.Tx, userID string, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET reputation=GREATEST(0, reputation + $2), updated_at=NOW()
		WHERE id=$1
	`, userID, delta)
	if err != nil {
		return fmt.Errorf("adjust reputation: %w", err)
	}
	return awardEarnedBadges(ctx, tx, userID)
}

// awardEarnedBadges grants every badge whose threshold the user's current
// reputation meets and that the user does not hold yet. Idempotent.
func awardEarnedBadges(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_badges (user_id, badge_id)
		SELECT u.id, b.id
		FROM users u
		JOIN badges b ON b.required_reputation <= u.reputation
		WHERE u.id=$1
		ON CONFLICT (user_id, badge_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("award badges: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Refresh sessions and token revocation (PostgreSQL fallback when Redis is
// not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = (
			SELECT user_id FROM refresh_sessions
			WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---------------------------------------------------------------------------
// Zones

func (s *PostgresStore) InsertZone(ctx context.Context, zone Zone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (id, name, zone_type, is_active)
		VALUES ($1, $2, $3, TRUE)
	`, zone.ID, zone.Name, zone.ZoneType)
	if err != nil {
		return fmt.Errorf("insert zone: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetZone(ctx context.Context, zoneID string) (Zone, error) {
	var item Zone
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, zone_type, is_active, created_at, updated_at
		FROM zones WHERE id=$1
	`, zoneID).Scan(&item.ID, &item.Name, &item.ZoneType, &item.IsActive, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Zone{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListZones(ctx context.Context, includeInactive bool) ([]Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, zone_type, is_active, created_at, updated_at
		FROM zones
		WHERE ($1::boolean OR is_active)
		ORDER BY name ASC
	`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	items := make([]Zone, 0)
	for rows.Next() {
		var item Zone
		if err := rows.Scan(&item.ID, &item.Name, &item.ZoneType, &item.IsActive, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zones: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateZone(ctx context.Context, zoneID, name, zoneType string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE zones SET name=$2, zone_type=$3, updated_at=NOW() WHERE id=$1
	`, zoneID, name, zoneType)
	if err != nil {
		return fmt.Errorf("update zone: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update zone rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeactivateZone soft-deletes a zone. It refuses while the zone still has
// issues that are not terminal (resolved, archived or duplicate).
func (s *PostgresStore) DeactivateZone(ctx context.Context, zoneID string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM issues
			WHERE zone_id=$1 AND status NOT IN ('RESOLVED', 'ARCHIVED', 'DUPLICATE')
		`, zoneID).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active zone issues: %w", err)
		}
		if active > 0 {
			return ErrZoneHasActiveIssues
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE zones SET is_active=FALSE, updated_at=NOW() WHERE id=$1 AND is_active
		`, zoneID)
		if err != nil {
			return fmt.Errorf("deactivate zone: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate zone rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Issue categories

func (s *PostgresStore) ListCategories(ctx context.Context) ([]IssueCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug FROM issue_categories ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]IssueCategory, 0)
	for rows.Next() {
		var item IssueCategory
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (IssueCategory, error) {
	var item IssueCategory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug FROM issue_categories WHERE id=$1
	`, categoryID).Scan(&item.ID, &item.Name, &item.Slug)
	if err != nil {
		return IssueCategory{}, err
	}
	return item, nil
}

func (s *PostgresStore) EnsureCategory(ctx context.Context, category IssueCategory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_categories (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO NOTHING
	`, category.ID, category.Name, category.Slug)
	if err != nil {
		return fmt.Errorf("ensure category: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Steward category/zone assignments

// HasActiveAssignment reports whether an active assignment row exists for
// the exact (steward, category, zone) triple.
func (s *PostgresStore) HasActiveAssignment(ctx context.Context, stewardID, categoryID, zoneID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM steward_category_assignments
			WHERE steward_id=$1 AND category_id=$2 AND zone_id=$3 AND is_active
		)
	`, stewardID, categoryID, zoneID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check steward assignment: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertAssignment(ctx context.Context, assignment StewardAssignment) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM steward_category_assignments
				WHERE steward_id=$1 AND category_id=$2 AND zone_id=$3 AND is_active
			)
		`, assignment.StewardID, assignment.CategoryID, assignment.ZoneID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check existing assignment: %w", err)
		}
		if exists {
			return ErrDuplicateAssignment
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steward_category_assignments (id, steward_id, category_id, zone_id, is_active, assigned_by)
			VALUES ($1, $2, $3, $4, TRUE, $5)
		`, assignment.ID, assignment.StewardID, assignment.CategoryID, assignment.ZoneID, assignment.AssignedBy)
		if err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeactivateAssignment(ctx context.Context, assignmentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE steward_category_assignments SET is_active=FALSE WHERE id=$1 AND is_active
	`, assignmentID)
	if err != nil {
		return fmt.Errorf("deactivate assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate assignment rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListAssignmentsForSteward(ctx context.Context, stewardID string) ([]StewardAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.steward_id, a.category_id, a.zone_id, a.is_active, COALESCE(a.assigned_by, ''), a.created_at,
			u.display_name, c.name, z.name
		FROM steward_category_assignments a
		JOIN users u ON u.id = a.steward_id
		JOIN issue_categories c ON c.id = a.category_id
		JOIN zones z ON z.id = a.zone_id
		WHERE a.steward_id=$1 AND a.is_active
		ORDER BY z.name ASC, c.name ASC
	`, stewardID)
	if err != nil {
		return nil, fmt.Errorf("list steward assignments: %w", err)
	}
	defer rows.Close()

	items := make([]StewardAssignment, 0)
	for rows.Next() {
		var item StewardAssignment
		if err := rows.Scan(
			&item.ID, &item.StewardID, &item.CategoryID, &item.ZoneID, &item.IsActive, &item.AssignedBy, &item.CreatedAt,
			&item.StewardName, &item.CategoryName, &item.ZoneName,
		); err != nil {
			return nil, fmt.Errorf("scan steward assignment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steward assignments: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Badges

func (s *PostgresStore) InsertBadge(ctx context.Context, badge Badge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO badges (id, name, description, required_reputation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, badge.ID, badge.Name, badge.Description, badge.RequiredReputation)
	if err != nil {
		return fmt.Errorf("insert badge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBadges(ctx context.Context) ([]Badge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, required_reputation, created_at
		FROM badges
		ORDER BY required_reputation ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defer rows.Close()

	items := make([]Badge, 0)
	for rows.Next() {
		var item Badge
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.RequiredReputation, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate badges: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListUserBadges(ctx context.Context, userID string) ([]UserBadge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ub.user_id, ub.badge_id, ub.awarded_at, b.name
		FROM user_badges ub
		JOIN badges b ON b.id = ub.badge_id
		WHERE ub.user_id=$1
		ORDER BY ub.awarded_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user badges: %w", err)
	}
	defer rows.Close()

	items := make([]UserBadge, 0)
	for rows.Next() {
		var item UserBadge
		if err := rows.Scan(&item.UserID, &item.BadgeID, &item.AwardedAt, &item.BadgeName); err != nil {
			return nil, fmt.Errorf("scan user badge: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user badges: %w", err)
	}
	return items, nil
}
