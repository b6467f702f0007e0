package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"civiclens/api/internal/util"
)

// These tests exercise the SQL side of the ledger and moderation rules
// against a real PostgreSQL instance. They are skipped in short mode and
// expect the schema from db/migrations to be applied (the setup applies
// it when missing).

func setupIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	// The cascade reaches every table holding rows these tests create.
	t.Cleanup(func() {
		_, _ = db.ExecContext(ctx, `TRUNCATE users, zones, issue_categories CASCADE`)
	})
	return NewPostgresStore(db), ctx
}

type issueFixture struct {
	reporter User
	zone     Zone
	category IssueCategory
	issue    Issue
}

// newIssueFixture seeds a reporter, an active zone, a category and one
// OPEN issue. The truncate registered by the setup removes everything.
func newIssueFixture(t *testing.T, ctx context.Context, s *PostgresStore) issueFixture {
	t.Helper()

	reporter := newTestUser(t, ctx, s, "Rita Reporter")
	zone := Zone{ID: util.NewID("zon"), Name: "Test Ward", ZoneType: "WARD", IsActive: true}
	if err := s.InsertZone(ctx, zone); err != nil {
		t.Fatalf("insert zone: %v", err)
	}
	category := IssueCategory{ID: util.NewID("cat"), Name: "Test Roads", Slug: util.NewID("slug")}
	if err := s.EnsureCategory(ctx, category); err != nil {
		t.Fatalf("ensure category: %v", err)
	}
	issue, err := s.CreateIssue(ctx, Issue{
		ID:          util.NewID("iss"),
		Title:       "Pothole on Main St",
		Description: "Deep pothole near the crossing",
		CategoryID:  category.ID,
		ZoneID:      zone.ID,
		ReporterID:  reporter.ID,
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	return issueFixture{reporter: reporter, zone: zone, category: category, issue: issue}
}

func newTestUser(t *testing.T, ctx context.Context, s *PostgresStore, name string) User {
	t.Helper()
	id := util.NewID("usr")
	user := User{
		ID:          id,
		DisplayName: name,
		Email:       id + "@test.local",
		Role:        "CITIZEN",
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

func reputationOf(t *testing.T, ctx context.Context, s *PostgresStore, userID string) int {
	t.Helper()
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		t.Fatalf("get user %s: %v", userID, err)
	}
	return user.Reputation
}

func summedVoteScore(t *testing.T, ctx context.Context, s *PostgresStore, issueID string) int {
	t.Helper()
	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(vote_type), 0) FROM votes WHERE issue_id=$1
	`, issueID).Scan(&sum)
	if err != nil {
		t.Fatalf("sum votes: %v", err)
	}
	return sum
}

func TestCastVoteToggleAndFlipLedger(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	fx := newIssueFixture(t, ctx, s)
	voter := newTestUser(t, ctx, s, "Vic Voter")

	baseline := reputationOf(t, ctx, s, fx.reporter.ID)

	result, err := s.CastVote(ctx, fx.issue.ID, voter.ID, 1)
	if err != nil {
		t.Fatalf("first upvote: %v", err)
	}
	if result.Action != "added" || result.VoteScore != 1 {
		t.Fatalf("expected added/1, got %s/%d", result.Action, result.VoteScore)
	}
	if got := reputationOf(t, ctx, s, fx.reporter.ID); got != baseline+RepUpvote {
		t.Fatalf("reporter reputation after upvote = %d, want %d", got, baseline+RepUpvote)
	}

	// Same vote again toggles off: no row left, score and reputation revert.
	result, err = s.CastVote(ctx, fx.issue.ID, voter.ID, 1)
	if err != nil {
		t.Fatalf("toggle-off: %v", err)
	}
	if result.Action != "removed" || result.VoteScore != 0 {
		t.Fatalf("expected removed/0, got %s/%d", result.Action, result.VoteScore)
	}
	if _, err := s.GetVote(ctx, fx.issue.ID, voter.ID); err == nil {
		t.Fatal("expected no vote row after toggle-off")
	}
	if got := reputationOf(t, ctx, s, fx.reporter.ID); got != baseline {
		t.Fatalf("reporter reputation after toggle-off = %d, want %d", got, baseline)
	}

	// Flip: upvote then downvote moves reputation by the full swing.
	if _, err := s.CastVote(ctx, fx.issue.ID, voter.ID, 1); err != nil {
		t.Fatalf("re-upvote: %v", err)
	}
	result, err = s.CastVote(ctx, fx.issue.ID, voter.ID, -1)
	if err != nil {
		t.Fatalf("flip to downvote: %v", err)
	}
	if result.Action != "changed" || result.VoteScore != -1 {
		t.Fatalf("expected changed/-1, got %s/%d", result.Action, result.VoteScore)
	}
	if got := reputationOf(t, ctx, s, fx.reporter.ID); got != baseline+RepDownvote {
		t.Fatalf("reporter reputation after flip = %d, want %d", got, baseline+RepDownvote)
	}

	// The denormalized score always equals the signed sum of the rows.
	issue, err := s.GetIssue(ctx, fx.issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.VoteScore != summedVoteScore(t, ctx, s, fx.issue.ID) {
		t.Fatalf("vote_score %d diverged from SUM(vote_type) %d",
			issue.VoteScore, summedVoteScore(t, ctx, s, fx.issue.ID))
	}
}

func TestDeleteVoteReversesAndErrsWhenAbsent(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	fx := newIssueFixture(t, ctx, s)
	voter := newTestUser(t, ctx, s, "Vic Voter")

	baseline := reputationOf(t, ctx, s, fx.reporter.ID)
	if _, err := s.CastVote(ctx, fx.issue.ID, voter.ID, -1); err != nil {
		t.Fatalf("downvote: %v", err)
	}

	result, err := s.DeleteVote(ctx, fx.issue.ID, voter.ID)
	if err != nil {
		t.Fatalf("delete vote: %v", err)
	}
	if result.VoteScore != 0 {
		t.Fatalf("expected score 0 after removal, got %d", result.VoteScore)
	}
	if got := reputationOf(t, ctx, s, fx.reporter.ID); got != baseline {
		t.Fatalf("reporter reputation after removal = %d, want %d", got, baseline)
	}

	if _, err := s.DeleteVote(ctx, fx.issue.ID, voter.ID); !errors.Is(err, ErrNoVote) {
		t.Fatalf("expected ErrNoVote on second delete, got %v", err)
	}
}

func TestFlagCommentEscalatesAtThreshold(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	fx := newIssueFixture(t, ctx, s)
	author := newTestUser(t, ctx, s, "Cam Commenter")

	comment := Comment{ID: util.NewID("com"), IssueID: fx.issue.ID, AuthorID: author.ID, Body: "not a real pothole"}
	if err := s.InsertComment(ctx, comment); err != nil {
		t.Fatalf("insert comment: %v", err)
	}

	for i, want := range []bool{false, false, true} {
		flagger := newTestUser(t, ctx, s, "Flagger")
		result, err := s.FlagComment(ctx, CommentFlag{
			ID:         util.NewID("flg"),
			CommentID:  comment.ID,
			ReporterID: flagger.ID,
			Reason:     "SPAM",
		})
		if err != nil {
			t.Fatalf("flag %d: %v", i+1, err)
		}
		if result.FlagCount != i+1 || result.IsFlagged != want {
			t.Fatalf("flag %d: got count=%d flagged=%v, want count=%d flagged=%v",
				i+1, result.FlagCount, result.IsFlagged, i+1, want)
		}
		// The escalation must be visible in the committed row, not just
		// the returned struct.
		stored, err := s.GetComment(ctx, comment.ID)
		if err != nil {
			t.Fatalf("get comment: %v", err)
		}
		if stored.IsFlagged != want {
			t.Fatalf("flag %d: committed is_flagged=%v, want %v", i+1, stored.IsFlagged, want)
		}

		if _, err := s.FlagComment(ctx, CommentFlag{
			ID:         util.NewID("flg"),
			CommentID:  comment.ID,
			ReporterID: flagger.ID,
			Reason:     "SPAM",
		}); !errors.Is(err, ErrDuplicateFlag) {
			t.Fatalf("flag %d repeat: expected ErrDuplicateFlag, got %v", i+1, err)
		}
	}
}

func TestMarkDuplicateCreditsDuplicateReporter(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	fx := newIssueFixture(t, ctx, s)
	steward := newTestUser(t, ctx, s, "Sam Steward")

	primary, err := s.CreateIssue(ctx, Issue{
		ID:          util.NewID("iss"),
		Title:       "Pothole on Main St (first report)",
		Description: "Same pothole, reported earlier",
		CategoryID:  fx.category.ID,
		ZoneID:      fx.zone.ID,
		ReporterID:  steward.ID,
	})
	if err != nil {
		t.Fatalf("create primary issue: %v", err)
	}

	duplicateRep := reputationOf(t, ctx, s, fx.reporter.ID)
	primaryRep := reputationOf(t, ctx, s, steward.ID)

	marked, err := s.MarkDuplicate(ctx, fx.issue.ID, primary.ID, steward.ID, "same pothole")
	if err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}
	if marked.Status != StatusDuplicate {
		t.Fatalf("expected DUPLICATE status, got %s", marked.Status)
	}
	if marked.PrimaryIssueID == nil || *marked.PrimaryIssueID != primary.ID {
		t.Fatalf("expected primary link to %s, got %v", primary.ID, marked.PrimaryIssueID)
	}
	// The credit goes to the duplicate's reporter, not the primary's.
	if got := reputationOf(t, ctx, s, fx.reporter.ID); got != duplicateRep+RepDuplicateCredit {
		t.Fatalf("duplicate reporter reputation = %d, want %d", got, duplicateRep+RepDuplicateCredit)
	}
	if got := reputationOf(t, ctx, s, steward.ID); got != primaryRep {
		t.Fatalf("primary reporter reputation = %d, want %d", got, primaryRep)
	}
}

func TestHardDeleteLeavesNoDependentRows(t *testing.T) {
	s, ctx := setupIntegrationStore(t)
	fx := newIssueFixture(t, ctx, s)
	voter := newTestUser(t, ctx, s, "Vic Voter")
	flagger := newTestUser(t, ctx, s, "Fran Flagger")

	if _, err := s.CastVote(ctx, fx.issue.ID, voter.ID, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}
	comment := Comment{ID: util.NewID("com"), IssueID: fx.issue.ID, AuthorID: voter.ID, Body: "seen it too"}
	if err := s.InsertComment(ctx, comment); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := s.FlagComment(ctx, CommentFlag{
		ID: util.NewID("flg"), CommentID: comment.ID, ReporterID: flagger.ID, Reason: "OFF_TOPIC",
	}); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := s.UpdateIssueStatus(ctx, fx.issue.ID, StatusAcknowledged, voter.ID, "on it"); err != nil {
		t.Fatalf("status change: %v", err)
	}
	mediaURL := "http://media.test/issues/" + fx.issue.ID + "/a.jpg"
	if err := s.InsertIssueMedia(ctx, IssueMedia{
		ID: util.NewID("med"), IssueID: fx.issue.ID, URL: mediaURL, MediaType: "photo",
	}); err != nil {
		t.Fatalf("media: %v", err)
	}

	urls, err := s.HardDeleteIssue(ctx, fx.issue.ID)
	if err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if len(urls) != 1 || urls[0] != mediaURL {
		t.Fatalf("expected media URL %s back, got %v", mediaURL, urls)
	}

	counts := map[string]string{
		"votes":         `SELECT COUNT(*) FROM votes WHERE issue_id=$1`,
		"comments":      `SELECT COUNT(*) FROM comments WHERE issue_id=$1`,
		"comment_flags": `SELECT COUNT(*) FROM comment_flags cf JOIN comments c ON c.id=cf.comment_id WHERE c.issue_id=$1`,
		"issue_history": `SELECT COUNT(*) FROM issue_history WHERE issue_id=$1`,
		"issue_media":   `SELECT COUNT(*) FROM issue_media WHERE issue_id=$1`,
		"issues":        `SELECT COUNT(*) FROM issues WHERE id=$1`,
		"primary_links": `SELECT COUNT(*) FROM issues WHERE primary_issue_id=$1`,
	}
	for table, query := range counts {
		var n int
		if err := s.db.QueryRowContext(ctx, query, fx.issue.ID).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected zero %s rows after hard delete, got %d", table, n)
		}
	}
}

// getTestDatabaseURL resolves the integration database, preferring
// TEST_DATABASE_URL and falling back to the standard Postgres variables.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "civiclens")
	pass := envOr("POSTGRES_PASSWORD", "civiclens")
	dbname := envOr("POSTGRES_DB", "civiclens_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
