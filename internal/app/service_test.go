package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"civiclens/api/internal/auth"
	"civiclens/api/internal/cache"
	"civiclens/api/internal/config"
	"civiclens/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	updateUserRoleFn       func(context.Context, string, string) error
	getZoneFn              func(context.Context, string) (store.Zone, error)
	deactivateZoneFn       func(context.Context, string) error
	getCategoryFn          func(context.Context, string) (store.IssueCategory, error)
	listCategoriesFn       func(context.Context) ([]store.IssueCategory, error)
	hasActiveAssignmentFn  func(context.Context, string, string, string) (bool, error)
	insertAssignmentFn     func(context.Context, store.StewardAssignment) error
	createIssueFn          func(context.Context, store.Issue) (store.Issue, error)
	getIssueFn             func(context.Context, string) (store.Issue, error)
	listIssuesFn           func(context.Context, store.IssueFilter) ([]store.Issue, error)
	updateIssueStatusFn    func(context.Context, string, string, string, string) (store.Issue, error)
	markDuplicateFn        func(context.Context, string, string, string, string) (store.Issue, error)
	hardDeleteIssueFn      func(context.Context, string) ([]string, error)
	addIssueNoteFn         func(context.Context, string, string, string) error
	castVoteFn             func(context.Context, string, string, int) (store.VoteResult, error)
	deleteVoteFn           func(context.Context, string, string) (store.VoteResult, error)
	getCommentFn           func(context.Context, string) (store.Comment, error)
	insertCommentFn        func(context.Context, store.Comment) error
	flagCommentFn          func(context.Context, store.CommentFlag) (store.FlagResult, error)
	approveCommentFn       func(context.Context, string, string, string) error
	deleteFlaggedCommentFn func(context.Context, string, string, string) error

	revokedJTIs map[string]bool
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(context.Context, store.User) error { return nil }
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Test User", Role: "CITIZEN"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(context.Context, int, int) ([]store.User, error) { return nil, nil }
func (f *fakeStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	if f.updateUserRoleFn != nil {
		return f.updateUserRoleFn(ctx, userID, role)
	}
	return nil
}

func (f *fakeStore) InsertZone(context.Context, store.Zone) error { return nil }
func (f *fakeStore) GetZone(ctx context.Context, zoneID string) (store.Zone, error) {
	if f.getZoneFn != nil {
		return f.getZoneFn(ctx, zoneID)
	}
	return store.Zone{ID: zoneID, Name: "Ward 5", ZoneType: "WARD", IsActive: true}, nil
}
func (f *fakeStore) ListZones(context.Context, bool) ([]store.Zone, error) { return nil, nil }
func (f *fakeStore) UpdateZone(context.Context, string, string, string) error {
	return nil
}
func (f *fakeStore) DeactivateZone(ctx context.Context, zoneID string) error {
	if f.deactivateZoneFn != nil {
		return f.deactivateZoneFn(ctx, zoneID)
	}
	return nil
}

func (f *fakeStore) ListCategories(ctx context.Context) ([]store.IssueCategory, error) {
	if f.listCategoriesFn != nil {
		return f.listCategoriesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetCategory(ctx context.Context, categoryID string) (store.IssueCategory, error) {
	if f.getCategoryFn != nil {
		return f.getCategoryFn(ctx, categoryID)
	}
	return store.IssueCategory{ID: categoryID, Name: "Roads", Slug: "roads"}, nil
}
func (f *fakeStore) EnsureCategory(context.Context, store.IssueCategory) error { return nil }

func (f *fakeStore) HasActiveAssignment(ctx context.Context, stewardID, categoryID, zoneID string) (bool, error) {
	if f.hasActiveAssignmentFn != nil {
		return f.hasActiveAssignmentFn(ctx, stewardID, categoryID, zoneID)
	}
	return false, nil
}
func (f *fakeStore) InsertAssignment(ctx context.Context, assignment store.StewardAssignment) error {
	if f.insertAssignmentFn != nil {
		return f.insertAssignmentFn(ctx, assignment)
	}
	return nil
}
func (f *fakeStore) DeactivateAssignment(context.Context, string) error { return nil }
func (f *fakeStore) ListAssignmentsForSteward(context.Context, string) ([]store.StewardAssignment, error) {
	return nil, nil
}

func (f *fakeStore) CreateIssue(ctx context.Context, issue store.Issue) (store.Issue, error) {
	if f.createIssueFn != nil {
		return f.createIssueFn(ctx, issue)
	}
	issue.Status = store.StatusOpen
	return issue, nil
}
func (f *fakeStore) GetIssue(ctx context.Context, issueID string) (store.Issue, error) {
	if f.getIssueFn != nil {
		return f.getIssueFn(ctx, issueID)
	}
	return store.Issue{
		ID:         issueID,
		Title:      "Broken streetlight",
		Status:     store.StatusOpen,
		CategoryID: "cat_streetlights",
		ZoneID:     "zon_a",
		ReporterID: "usr_reporter",
	}, nil
}
func (f *fakeStore) ListIssues(ctx context.Context, filter store.IssueFilter) ([]store.Issue, error) {
	if f.listIssuesFn != nil {
		return f.listIssuesFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) UpdateIssueStatus(ctx context.Context, issueID, newStatus, actorID, reason string) (store.Issue, error) {
	if f.updateIssueStatusFn != nil {
		return f.updateIssueStatusFn(ctx, issueID, newStatus, actorID, reason)
	}
	return store.Issue{ID: issueID, Status: newStatus}, nil
}
func (f *fakeStore) MarkDuplicate(ctx context.Context, issueID, primaryIssueID, actorID, reason string) (store.Issue, error) {
	if f.markDuplicateFn != nil {
		return f.markDuplicateFn(ctx, issueID, primaryIssueID, actorID, reason)
	}
	return store.Issue{ID: issueID, Status: store.StatusDuplicate, PrimaryIssueID: &primaryIssueID}, nil
}
func (f *fakeStore) HardDeleteIssue(ctx context.Context, issueID string) ([]string, error) {
	if f.hardDeleteIssueFn != nil {
		return f.hardDeleteIssueFn(ctx, issueID)
	}
	return nil, nil
}
func (f *fakeStore) AddIssueNote(ctx context.Context, issueID, actorID, note string) error {
	if f.addIssueNoteFn != nil {
		return f.addIssueNoteFn(ctx, issueID, actorID, note)
	}
	return nil
}
func (f *fakeStore) ListIssueHistory(context.Context, string) ([]store.IssueHistoryEntry, error) {
	return nil, nil
}
func (f *fakeStore) InsertIssueMedia(context.Context, store.IssueMedia) error { return nil }
func (f *fakeStore) ListIssueMedia(context.Context, string) ([]store.IssueMedia, error) {
	return nil, nil
}
func (f *fakeStore) ListStewardIssues(context.Context, string) ([]store.Issue, error) {
	return nil, nil
}
func (f *fakeStore) GetStewardWorkload(context.Context, string) (store.StewardWorkload, error) {
	return store.StewardWorkload{}, nil
}

func (f *fakeStore) CastVote(ctx context.Context, issueID, voterID string, voteType int) (store.VoteResult, error) {
	if f.castVoteFn != nil {
		return f.castVoteFn(ctx, issueID, voterID, voteType)
	}
	return store.VoteResult{Action: "created", VoteScore: voteType}, nil
}
func (f *fakeStore) DeleteVote(ctx context.Context, issueID, voterID string) (store.VoteResult, error) {
	if f.deleteVoteFn != nil {
		return f.deleteVoteFn(ctx, issueID, voterID)
	}
	return store.VoteResult{Action: "removed", VoteScore: 0}, nil
}
func (f *fakeStore) GetVote(context.Context, string, string) (store.Vote, error) {
	return store.Vote{}, sql.ErrNoRows
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{ID: commentID, IssueID: "iss_1", AuthorID: "usr_author", Body: "A comment"}, nil
}
func (f *fakeStore) ListIssueComments(context.Context, string) ([]store.Comment, error) {
	return nil, nil
}
func (f *fakeStore) FlagComment(ctx context.Context, flag store.CommentFlag) (store.FlagResult, error) {
	if f.flagCommentFn != nil {
		return f.flagCommentFn(ctx, flag)
	}
	return store.FlagResult{FlagCount: 1, IsFlagged: false}, nil
}
func (f *fakeStore) ApproveComment(ctx context.Context, commentID, reviewerID, feedback string) error {
	if f.approveCommentFn != nil {
		return f.approveCommentFn(ctx, commentID, reviewerID, feedback)
	}
	return nil
}
func (f *fakeStore) DeleteFlaggedComment(ctx context.Context, commentID, reviewerID, feedback string) error {
	if f.deleteFlaggedCommentFn != nil {
		return f.deleteFlaggedCommentFn(ctx, commentID, reviewerID, feedback)
	}
	return nil
}
func (f *fakeStore) ListFlaggedComments(context.Context) ([]store.Comment, error) {
	return nil, nil
}
func (f *fakeStore) ListCommentFlags(context.Context, string) ([]store.CommentFlag, error) {
	return nil, nil
}

func (f *fakeStore) InsertBadge(context.Context, store.Badge) error { return nil }
func (f *fakeStore) ListBadges(context.Context) ([]store.Badge, error) {
	return nil, nil
}
func (f *fakeStore) ListUserBadges(context.Context, string) ([]store.UserBadge, error) {
	return nil, nil
}

func (f *fakeStore) SaveRefreshSession(context.Context, string, store.User, time.Time) error {
	return nil
}
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, errors.New("not found")
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	if f.revokedJTIs == nil {
		f.revokedJTIs = make(map[string]bool)
	}
	f.revokedJTIs[jti] = true
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{CacheTTL: time.Minute, RefreshTTL: time.Hour},
		store:    fs,
		sessions: fs,
		tokens:   auth.NewManager("test-secret", "civiclens", 15*time.Minute),
		cache:    cache.Nop{},
	}
}

func citizenSession(userID string) Session {
	return Session{UserID: userID, UserName: "Cam", Role: "CITIZEN"}
}

func stewardSession(userID string) Session {
	return Session{UserID: userID, UserName: "Sam", Role: "STEWARD"}
}

func adminSession(userID string) Session {
	return Session{UserID: userID, UserName: "Avery", Role: "SUPER_ADMIN"}
}

func TestCreateIssueRejectsBlankTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateIssue(context.Background(), citizenSession("usr_1"), CreateIssueInput{
		Title:       "   ",
		Description: "There is a pothole",
		CategoryID:  "cat_roads",
		ZoneID:      "zon_a",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 validation error, got %v", err)
	}
}

func TestCreateIssueUnknownCategoryIsNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{
		getCategoryFn: func(context.Context, string) (store.IssueCategory, error) {
			return store.IssueCategory{}, sql.ErrNoRows
		},
	})
	_, err := svc.CreateIssue(context.Background(), citizenSession("usr_1"), CreateIssueInput{
		Title:       "Pothole on Main St",
		Description: "Deep pothole near the crossing",
		CategoryID:  "cat_nope",
		ZoneID:      "zon_a",
	})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown category, got %v", err)
	}
}

func TestCreateIssueMapsInactiveZone(t *testing.T) {
	svc := newTestService(&fakeStore{
		createIssueFn: func(context.Context, store.Issue) (store.Issue, error) {
			return store.Issue{}, store.ErrZoneInactive
		},
	})
	_, err := svc.CreateIssue(context.Background(), citizenSession("usr_1"), CreateIssueInput{
		Title:       "Pothole on Main St",
		Description: "Deep pothole near the crossing",
		CategoryID:  "cat_roads",
		ZoneID:      "zon_inactive",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for inactive zone, got %v", err)
	}
}

func TestCastVoteRejectsSelfVote(t *testing.T) {
	svc := newTestService(&fakeStore{
		getIssueFn: func(_ context.Context, issueID string) (store.Issue, error) {
			return store.Issue{ID: issueID, ReporterID: "usr_1", CategoryID: "cat_roads", ZoneID: "zon_a"}, nil
		},
	})
	_, err := svc.CastVote(context.Background(), citizenSession("usr_1"), "iss_1", VoteInput{Direction: "up"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for self vote, got %v", err)
	}
}

func TestCastVoteReturnsActionAndScore(t *testing.T) {
	svc := newTestService(&fakeStore{
		castVoteFn: func(_ context.Context, issueID, voterID string, voteType int) (store.VoteResult, error) {
			if voteType != -1 {
				t.Fatalf("expected vote type -1, got %d", voteType)
			}
			return store.VoteResult{Action: "changed", VoteScore: 3}, nil
		},
	})
	payload, err := svc.CastVote(context.Background(), citizenSession("usr_2"), "iss_1", VoteInput{Direction: "down"})
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if payload["action"] != "changed" {
		t.Fatalf("expected action changed, got %v", payload["action"])
	}
	if payload["voteScore"] != 3 {
		t.Fatalf("expected voteScore 3, got %v", payload["voteScore"])
	}
}

func TestCastVoteRejectsUnknownDirection(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CastVote(context.Background(), citizenSession("usr_2"), "iss_1", VoteInput{Direction: "sideways"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for unknown direction, got %v", err)
	}
}

func TestRemoveVoteMapsMissingVote(t *testing.T) {
	svc := newTestService(&fakeStore{
		deleteVoteFn: func(context.Context, string, string) (store.VoteResult, error) {
			return store.VoteResult{}, store.ErrNoVote
		},
	})
	_, err := svc.RemoveVote(context.Background(), citizenSession("usr_2"), "iss_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404 for missing vote, got %v", err)
	}
}

func TestUpdateIssueStatusRequiresMatchingAssignment(t *testing.T) {
	checked := 0
	fs := &fakeStore{
		hasActiveAssignmentFn: func(_ context.Context, stewardID, categoryID, zoneID string) (bool, error) {
			checked++
			if stewardID != "usr_steward" || categoryID != "cat_streetlights" || zoneID != "zon_a" {
				t.Fatalf("assignment checked with wrong triple: %s %s %s", stewardID, categoryID, zoneID)
			}
			return false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateIssueStatus(context.Background(), stewardSession("usr_steward"), "iss_1", UpdateStatusInput{Status: "ACKNOWLEDGED"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 without matching assignment, got %v", err)
	}
	if checked != 1 {
		t.Fatalf("expected exactly one assignment check, got %d", checked)
	}

	fs.hasActiveAssignmentFn = func(context.Context, string, string, string) (bool, error) {
		return true, nil
	}
	payload, err := svc.UpdateIssueStatus(context.Background(), stewardSession("usr_steward"), "iss_1", UpdateStatusInput{Status: "ACKNOWLEDGED"})
	if err != nil {
		t.Fatalf("UpdateIssueStatus() error = %v", err)
	}
	issue := payload["issue"].(map[string]any)
	if issue["status"] != "ACKNOWLEDGED" {
		t.Fatalf("expected ACKNOWLEDGED, got %v", issue["status"])
	}
}

func TestAddIssueNoteUsesTriageScope(t *testing.T) {
	noted := 0
	fs := &fakeStore{
		hasActiveAssignmentFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
		addIssueNoteFn: func(_ context.Context, issueID, actorID, note string) error {
			noted++
			if issueID != "iss_1" || actorID != "usr_steward" || note != "crew dispatched" {
				t.Fatalf("unexpected note args: %s %s %q", issueID, actorID, note)
			}
			return nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.AddIssueNote(context.Background(), stewardSession("usr_steward"), "iss_1", "crew dispatched")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 without matching assignment, got %v", err)
	}
	if noted != 0 {
		t.Fatal("note recorded despite missing assignment")
	}

	fs.hasActiveAssignmentFn = func(context.Context, string, string, string) (bool, error) {
		return true, nil
	}
	if _, err := svc.AddIssueNote(context.Background(), stewardSession("usr_steward"), "iss_1", "crew dispatched"); err != nil {
		t.Fatalf("AddIssueNote() error = %v", err)
	}
	if noted != 1 {
		t.Fatalf("expected one recorded note, got %d", noted)
	}

	if _, err := svc.AddIssueNote(context.Background(), stewardSession("usr_steward"), "iss_1", "   "); err == nil {
		t.Fatal("expected validation error for blank note")
	}
}

func TestUpdateIssueStatusAdminSkipsAssignmentCheck(t *testing.T) {
	svc := newTestService(&fakeStore{
		hasActiveAssignmentFn: func(context.Context, string, string, string) (bool, error) {
			t.Fatal("admin should not hit the assignment check")
			return false, nil
		},
	})
	if _, err := svc.UpdateIssueStatus(context.Background(), adminSession("usr_admin"), "iss_1", UpdateStatusInput{Status: "IN_PROGRESS"}); err != nil {
		t.Fatalf("UpdateIssueStatus() error = %v", err)
	}
}

func TestUpdateIssueStatusRejectsCitizen(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.UpdateIssueStatus(context.Background(), citizenSession("usr_1"), "iss_1", UpdateStatusInput{Status: "RESOLVED"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for citizen, got %v", err)
	}
}

func TestUpdateIssueStatusRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.UpdateIssueStatus(context.Background(), adminSession("usr_admin"), "iss_1", UpdateStatusInput{Status: "ON_FIRE"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for unknown status, got %v", err)
	}
}

func TestMarkDuplicateRejectsSelfReference(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.MarkDuplicate(context.Background(), adminSession("usr_admin"), "iss_1", MarkDuplicateInput{PrimaryIssueID: "iss_1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for self duplicate, got %v", err)
	}
}

func TestMarkDuplicateUnknownPrimaryIsNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{
		getIssueFn: func(_ context.Context, issueID string) (store.Issue, error) {
			if issueID == "iss_missing" {
				return store.Issue{}, sql.ErrNoRows
			}
			return store.Issue{ID: issueID, ReporterID: "usr_reporter"}, nil
		},
	})
	_, err := svc.MarkDuplicate(context.Background(), adminSession("usr_admin"), "iss_1", MarkDuplicateInput{PrimaryIssueID: "iss_missing"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown primary, got %v", err)
	}
}

type recordingMedia struct {
	removed []string
}

func (f *recordingMedia) Upload(_ context.Context, issueID, filename, _ string, _ int64, _ io.Reader) (string, error) {
	return "http://media/issues/" + issueID + "/" + filename, nil
}

func (f *recordingMedia) RemoveAll(_ context.Context, urls []string) error {
	f.removed = append(f.removed, urls...)
	return nil
}

func TestHardDeleteIssueRequiresAdminOrReporter(t *testing.T) {
	deleted := 0
	fs := &fakeStore{
		hardDeleteIssueFn: func(context.Context, string) ([]string, error) {
			deleted++
			return nil, nil
		},
	}
	svc := newTestService(fs)

	err := svc.HardDeleteIssue(context.Background(), stewardSession("usr_steward"), "iss_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for unrelated steward, got %v", err)
	}
	if deleted != 0 {
		t.Fatal("issue deleted despite forbidden actor")
	}

	// The fake issue is reported by usr_reporter; the reporter may delete
	// their own report without any admin role.
	if err := svc.HardDeleteIssue(context.Background(), citizenSession("usr_reporter"), "iss_1"); err != nil {
		t.Fatalf("HardDeleteIssue() by reporter error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one delete, got %d", deleted)
	}
}

func TestHardDeleteIssueCleansUpMedia(t *testing.T) {
	fs := &fakeStore{
		hardDeleteIssueFn: func(context.Context, string) ([]string, error) {
			return []string{"http://media/issues/iss_1/a.jpg"}, nil
		},
	}
	svc := newTestService(fs)
	media := &recordingMedia{}
	svc.SetMedia(media)

	if err := svc.HardDeleteIssue(context.Background(), adminSession("usr_admin"), "iss_1"); err != nil {
		t.Fatalf("HardDeleteIssue() error = %v", err)
	}
	if len(media.removed) != 1 || media.removed[0] != "http://media/issues/iss_1/a.jpg" {
		t.Fatalf("expected stored attachment to be removed, got %v", media.removed)
	}
}

func TestFlagCommentRejectsSelfFlag(t *testing.T) {
	svc := newTestService(&fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			return store.Comment{ID: commentID, AuthorID: "usr_1"}, nil
		},
	})
	_, err := svc.FlagComment(context.Background(), citizenSession("usr_1"), "com_1", FlagCommentInput{Reason: "SPAM"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for self flag, got %v", err)
	}
}

func TestFlagCommentMapsDuplicateToConflict(t *testing.T) {
	svc := newTestService(&fakeStore{
		flagCommentFn: func(context.Context, store.CommentFlag) (store.FlagResult, error) {
			return store.FlagResult{}, store.ErrDuplicateFlag
		},
	})
	_, err := svc.FlagComment(context.Background(), citizenSession("usr_2"), "com_1", FlagCommentInput{Reason: "ABUSE"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for duplicate flag, got %v", err)
	}
}

func TestFlagCommentReportsThresholdCrossing(t *testing.T) {
	svc := newTestService(&fakeStore{
		flagCommentFn: func(context.Context, store.CommentFlag) (store.FlagResult, error) {
			return store.FlagResult{FlagCount: 3, IsFlagged: true}, nil
		},
	})
	payload, err := svc.FlagComment(context.Background(), citizenSession("usr_2"), "com_1", FlagCommentInput{Reason: "SPAM"})
	if err != nil {
		t.Fatalf("FlagComment() error = %v", err)
	}
	if payload["flagCount"] != 3 || payload["isFlagged"] != true {
		t.Fatalf("expected flagCount 3 and isFlagged true, got %v", payload)
	}
}

func TestReviewFlaggedCommentRequiresModerator(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ReviewFlaggedComment(context.Background(), citizenSession("usr_1"), "com_1", ReviewFlagInput{Action: "approve"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for citizen reviewer, got %v", err)
	}
}

func TestReviewFlaggedCommentApproveAndRemove(t *testing.T) {
	approved := 0
	removed := 0
	fs := &fakeStore{
		approveCommentFn: func(_ context.Context, commentID, reviewerID, feedback string) error {
			approved++
			if reviewerID != "usr_steward" {
				t.Fatalf("expected reviewer usr_steward, got %s", reviewerID)
			}
			return nil
		},
		deleteFlaggedCommentFn: func(context.Context, string, string, string) error {
			removed++
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ReviewFlaggedComment(context.Background(), stewardSession("usr_steward"), "com_1", ReviewFlagInput{Action: "approve"}); err != nil {
		t.Fatalf("approve error = %v", err)
	}
	payload, err := svc.ReviewFlaggedComment(context.Background(), stewardSession("usr_steward"), "com_2", ReviewFlagInput{Action: "remove"})
	if err != nil {
		t.Fatalf("remove error = %v", err)
	}
	if _, err := svc.ReviewFlaggedComment(context.Background(), stewardSession("usr_steward"), "com_4", ReviewFlagInput{Action: "DELETE"}); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if approved != 1 || removed != 2 {
		t.Fatalf("expected one approve and two removals, got %d and %d", approved, removed)
	}
	if payload["removed"] != true {
		t.Fatalf("expected removed true, got %v", payload["removed"])
	}

	if _, err := svc.ReviewFlaggedComment(context.Background(), stewardSession("usr_steward"), "com_3", ReviewFlagInput{Action: "escalate"}); err == nil {
		t.Fatal("expected error for unknown review action")
	}
}

func TestAssignStewardPromotesCitizen(t *testing.T) {
	promotions := 0
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Cam", Role: "CITIZEN"}, nil
		},
		updateUserRoleFn: func(_ context.Context, userID, role string) error {
			promotions++
			if role != "STEWARD" {
				t.Fatalf("expected promotion to STEWARD, got %s", role)
			}
			return nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.AssignSteward(context.Background(), adminSession("usr_admin"), AssignStewardInput{
		StewardID:  "usr_cam",
		CategoryID: "cat_roads",
		ZoneID:     "zon_a",
	})
	if err != nil {
		t.Fatalf("AssignSteward() error = %v", err)
	}
	if promotions != 1 {
		t.Fatalf("expected one promotion, got %d", promotions)
	}
}

func TestAssignStewardMapsDuplicateTriple(t *testing.T) {
	svc := newTestService(&fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Role: "STEWARD"}, nil
		},
		insertAssignmentFn: func(context.Context, store.StewardAssignment) error {
			return store.ErrDuplicateAssignment
		},
	})
	_, err := svc.AssignSteward(context.Background(), adminSession("usr_admin"), AssignStewardInput{
		StewardID:  "usr_sam",
		CategoryID: "cat_roads",
		ZoneID:     "zon_a",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for duplicate triple, got %v", err)
	}
}

func TestCreateCategoryGeneratesSlugAndRejectsDuplicates(t *testing.T) {
	fs := &fakeStore{
		listCategoriesFn: func(context.Context) ([]store.IssueCategory, error) {
			return []store.IssueCategory{{ID: "cat_roads", Name: "Roads", Slug: "roads"}}, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateCategory(context.Background(), citizenSession("usr_1"), CategoryInput{Name: "Noise"}); err == nil {
		t.Fatal("expected forbidden for citizen")
	}

	payload, err := svc.CreateCategory(context.Background(), adminSession("usr_admin"), CategoryInput{Name: "Noise Complaints"})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}
	category := payload["category"].(map[string]any)
	if category["slug"] != "noise-complaints" {
		t.Fatalf("expected generated slug, got %v", category["slug"])
	}

	_, err = svc.CreateCategory(context.Background(), adminSession("usr_admin"), CategoryInput{Name: "Road Works", Slug: "roads"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for duplicate slug, got %v", err)
	}
}

func TestDeactivateZoneMapsActiveIssues(t *testing.T) {
	svc := newTestService(&fakeStore{
		deactivateZoneFn: func(context.Context, string) error {
			return store.ErrZoneHasActiveIssues
		},
	})
	err := svc.DeactivateZone(context.Background(), adminSession("usr_admin"), "zon_a")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 while zone has active issues, got %v", err)
	}
}

func TestListIssuesCachesResults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	calls := 0
	fs := &fakeStore{
		listIssuesFn: func(context.Context, store.IssueFilter) ([]store.Issue, error) {
			calls++
			return []store.Issue{{ID: "iss_1", Title: "Pothole", Status: store.StatusOpen}}, nil
		},
	}
	svc := newTestService(fs)
	svc.SetCache(cache.NewRedisCacheWithClient(client))

	filter := store.IssueFilter{ZoneID: "zon_a", Limit: 20}
	if _, err := svc.ListIssues(context.Background(), filter); err != nil {
		t.Fatalf("first ListIssues() error = %v", err)
	}
	if _, err := svc.ListIssues(context.Background(), filter); err != nil {
		t.Fatalf("second ListIssues() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one store read with warm cache, got %d", calls)
	}

	// A different filter is a different cache key.
	if _, err := svc.ListIssues(context.Background(), store.IssueFilter{ZoneID: "zon_b", Limit: 20}); err != nil {
		t.Fatalf("third ListIssues() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a store read for a new filter, got %d calls", calls)
	}
}

func TestListIssuesRejectsUnknownSort(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ListIssues(context.Background(), store.IssueFilter{Sort: "loudest"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for unknown sort, got %v", err)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Cam", Role: "CITIZEN"}, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err != nil {
		t.Fatalf("SessionFromToken() before logout error = %v", err)
	}

	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token after logout, got %v", err)
	}
}
