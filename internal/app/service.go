package app

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"civiclens/api/internal/auth"
	"civiclens/api/internal/authpw"
	"civiclens/api/internal/cache"
	"civiclens/api/internal/config"
	"civiclens/api/internal/email"
	"civiclens/api/internal/export"
	"civiclens/api/internal/media"
	"civiclens/api/internal/rbac"
	"civiclens/api/internal/search"
	"civiclens/api/internal/store"
	"civiclens/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateIssueInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	CategoryID  string `json:"categoryId"`
	ZoneID      string `json:"zoneId"`
}

type UpdateStatusInput struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type MarkDuplicateInput struct {
	PrimaryIssueID string `json:"primaryIssueId"`
	Reason         string `json:"reason"`
}

type VoteInput struct {
	Direction string `json:"direction"`
}

type CommentInput struct {
	Body     string  `json:"body"`
	ParentID *string `json:"parentId"`
}

type FlagCommentInput struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

type ReviewFlagInput struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback"`
}

var allowedStatuses = map[string]struct{}{
	store.StatusOpen:         {},
	store.StatusAcknowledged: {},
	store.StatusInProgress:   {},
	store.StatusResolved:     {},
	store.StatusArchived:     {},
}

var allowedFlagReasons = map[string]struct{}{
	"SPAM":       {},
	"ABUSE":      {},
	"OFF_TOPIC":  {},
	"MISLEADING": {},
	"OTHER":      {},
}

var allowedSorts = map[string]struct{}{
	"newest":  {},
	"oldest":  {},
	"votes":   {},
	"urgency": {},
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context, int, int) ([]store.User, error)
	UpdateUserRole(context.Context, string, string) error

	InsertZone(context.Context, store.Zone) error
	GetZone(context.Context, string) (store.Zone, error)
	ListZones(context.Context, bool) ([]store.Zone, error)
	UpdateZone(context.Context, string, string, string) error
	DeactivateZone(context.Context, string) error

	ListCategories(context.Context) ([]store.IssueCategory, error)
	GetCategory(context.Context, string) (store.IssueCategory, error)
	EnsureCategory(context.Context, store.IssueCategory) error

	HasActiveAssignment(context.Context, string, string, string) (bool, error)
	InsertAssignment(context.Context, store.StewardAssignment) error
	DeactivateAssignment(context.Context, string) error
	ListAssignmentsForSteward(context.Context, string) ([]store.StewardAssignment, error)

	CreateIssue(context.Context, store.Issue) (store.Issue, error)
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context, store.IssueFilter) ([]store.Issue, error)
	UpdateIssueStatus(context.Context, string, string, string, string) (store.Issue, error)
	MarkDuplicate(context.Context, string, string, string, string) (store.Issue, error)
	HardDeleteIssue(context.Context, string) ([]string, error)
	AddIssueNote(context.Context, string, string, string) error
	ListIssueHistory(context.Context, string) ([]store.IssueHistoryEntry, error)
	InsertIssueMedia(context.Context, store.IssueMedia) error
	ListIssueMedia(context.Context, string) ([]store.IssueMedia, error)
	ListStewardIssues(context.Context, string) ([]store.Issue, error)
	GetStewardWorkload(context.Context, string) (store.StewardWorkload, error)

	CastVote(context.Context, string, string, int) (store.VoteResult, error)
	DeleteVote(context.Context, string, string) (store.VoteResult, error)
	GetVote(context.Context, string, string) (store.Vote, error)

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListIssueComments(context.Context, string) ([]store.Comment, error)
	FlagComment(context.Context, store.CommentFlag) (store.FlagResult, error)
	ApproveComment(context.Context, string, string, string) error
	DeleteFlaggedComment(context.Context, string, string, string) error
	ListFlaggedComments(context.Context) ([]store.Comment, error)
	ListCommentFlags(context.Context, string) ([]store.CommentFlag, error)

	InsertBadge(context.Context, store.Badge) error
	ListBadges(context.Context) ([]store.Badge, error)
	ListUserBadges(context.Context, string) ([]store.UserBadge, error)
}

// sessionStore holds refresh sessions and revoked access tokens. Redis in
// production, the PostgreSQL fallback when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type mediaStore interface {
	Upload(ctx context.Context, issueID, filename, contentType string, size int64, body io.Reader) (string, error)
	RemoveAll(ctx context.Context, urls []string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	tokens   *auth.Manager
	cache    cache.Cache
	media    mediaStore
	search   *search.Service
	exporter *export.Service
	authpw   *authpw.Service
	email    *email.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, tokens *auth.Manager) *Service {
	service := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		tokens:   tokens,
		cache:    cache.Nop{},
	}
	service.exporter = export.NewService(exportAdapter{store: service.store})
	return service
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, tokens *auth.Manager) *Service {
	service := New(cfg, dataStore, tokens)
	service.sessions = sessions
	return service
}

func (s *Service) SetCache(c cache.Cache) {
	if c != nil {
		s.cache = c
	}
}

func (s *Service) SetMedia(m mediaStore)               { s.media = m }
func (s *Service) SetSearch(svc *search.Service)       { s.search = svc }
func (s *Service) SetAuthPassword(svc *authpw.Service) { s.authpw = svc }
func (s *Service) SetEmail(svc *email.Service)         { s.email = svc }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---------------------------------------------------------------------------
// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, jti, expiresAt, err := s.tokens.Issue(user.ID, user.DisplayName, user.Role)
	if err != nil {
		return Session{}, err
	}

	refresh, refreshHash, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, refreshHash, user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: claims.Exp,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Issues

func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionReport) {
		return nil, errForbidden("")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("title is required")
	}
	if len(title) > 200 {
		return nil, errValidation("title must be at most 200 characters")
	}
	description := strings.TrimSpace(input.Description)
	if description == "" {
		return nil, errValidation("description is required")
	}
	if strings.TrimSpace(input.CategoryID) == "" {
		return nil, errValidation("categoryId is required")
	}
	if strings.TrimSpace(input.ZoneID) == "" {
		return nil, errValidation("zoneId is required")
	}
	if _, err := s.store.GetCategory(ctx, input.CategoryID); err != nil {
		return nil, err
	}

	issue, err := s.store.CreateIssue(ctx, store.Issue{
		ID:          util.NewID("iss"),
		Title:       title,
		Description: description,
		Location:    strings.TrimSpace(input.Location),
		CategoryID:  input.CategoryID,
		ZoneID:      input.ZoneID,
		ReporterID:  session.UserID,
	})
	if err != nil {
		if err == store.ErrZoneInactive {
			return nil, errValidation("zone is not accepting reports")
		}
		return nil, err
	}

	s.indexIssue(issue)
	s.cache.InvalidatePrefix(ctx, "issues:")

	return map[string]any{"issue": issuePayload(issue)}, nil
}

func (s *Service) GetIssue(ctx context.Context, issueID string) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	mediaItems, err := s.store.ListIssueMedia(ctx, issueID)
	if err != nil {
		return nil, err
	}
	attachments := make([]map[string]any, 0, len(mediaItems))
	for _, item := range mediaItems {
		attachments = append(attachments, map[string]any{
			"id":        item.ID,
			"url":       item.URL,
			"mediaType": item.MediaType,
		})
	}
	payload := issuePayload(issue)
	payload["media"] = attachments
	return map[string]any{"issue": payload}, nil
}

func (s *Service) ListIssues(ctx context.Context, filter store.IssueFilter) (map[string]any, error) {
	if filter.Sort != "" {
		if _, ok := allowedSorts[filter.Sort]; !ok {
			return nil, errValidation("sort must be one of newest, oldest, votes, urgency")
		}
	}
	if filter.Status != "" {
		if _, ok := allowedStatuses[filter.Status]; !ok && filter.Status != store.StatusDuplicate {
			return nil, errValidation("unknown status filter")
		}
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	key := issueListCacheKey(filter)
	issues, err := cache.Cached(ctx, s.cache, key, s.cfg.CacheTTL, func(ctx context.Context) ([]store.Issue, error) {
		return s.store.ListIssues(ctx, filter)
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issuePayload(issue))
	}
	return map[string]any{"issues": items}, nil
}

func (s *Service) UpdateIssueStatus(ctx context.Context, session Session, issueID string, input UpdateStatusInput) (map[string]any, error) {
	status := strings.ToUpper(strings.TrimSpace(input.Status))
	if _, ok := allowedStatuses[status]; !ok {
		return nil, errValidation("unknown status")
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTriageAccess(ctx, session, issue); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateIssueStatus(ctx, issueID, status, session.UserID, strings.TrimSpace(input.Reason))
	if err != nil {
		return nil, err
	}

	if status == store.StatusResolved {
		s.notifyResolved(ctx, updated)
	}

	s.indexIssue(updated)
	s.cache.InvalidatePrefix(ctx, "issues:")

	return map[string]any{"issue": issuePayload(updated)}, nil
}

func (s *Service) MarkDuplicate(ctx context.Context, session Session, issueID string, input MarkDuplicateInput) (map[string]any, error) {
	primaryID := strings.TrimSpace(input.PrimaryIssueID)
	if primaryID == "" {
		return nil, errValidation("primaryIssueId is required")
	}
	if primaryID == issueID {
		return nil, errValidation("an issue cannot be a duplicate of itself")
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTriageAccess(ctx, session, issue); err != nil {
		return nil, err
	}
	if _, err := s.store.GetIssue(ctx, primaryID); err != nil {
		return nil, err
	}

	updated, err := s.store.MarkDuplicate(ctx, issueID, primaryID, session.UserID, strings.TrimSpace(input.Reason))
	if err != nil {
		return nil, err
	}

	s.indexIssue(updated)
	s.cache.InvalidatePrefix(ctx, "issues:")

	return map[string]any{"issue": issuePayload(updated)}, nil
}

// HardDeleteIssue removes the issue and every dependent row, then cleans
// up stored attachments. Only the original reporter or a super admin may
// do this; there is no undo.
func (s *Service) HardDeleteIssue(ctx context.Context, session Session, issueID string) error {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.ReporterID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return errForbidden("")
	}

	mediaURLs, err := s.store.HardDeleteIssue(ctx, issueID)
	if err != nil {
		return err
	}

	if s.media != nil && len(mediaURLs) > 0 {
		if err := s.media.RemoveAll(ctx, mediaURLs); err != nil {
			log.Printf("hard delete %s: attachment cleanup: %v", issueID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteIssue(issueID)
	}
	s.cache.InvalidatePrefix(ctx, "issues:")

	return nil
}

// AddIssueNote records triage commentary on the history trail without
// changing the issue's status.
func (s *Service) AddIssueNote(ctx context.Context, session Session, issueID, note string) (map[string]any, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, errValidation("note is required")
	}
	if len(note) > 2000 {
		return nil, errValidation("note must be at most 2000 characters")
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTriageAccess(ctx, session, issue); err != nil {
		return nil, err
	}
	if err := s.store.AddIssueNote(ctx, issueID, session.UserID, note); err != nil {
		return nil, err
	}
	return map[string]any{"noted": true}, nil
}

func (s *Service) IssueHistory(ctx context.Context, issueID string) (map[string]any, error) {
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListIssueHistory(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"oldStatus": entry.OldStatus,
			"newStatus": entry.NewStatus,
			"actorId":   entry.ActorID,
			"actorName": entry.ActorName,
			"reason":    entry.Reason,
			"createdAt": entry.CreatedAt,
		})
	}
	return map[string]any{"history": items}, nil
}

func (s *Service) AddIssueMedia(ctx context.Context, session Session, issueID, filename, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionReport) {
		return nil, errForbidden("")
	}
	if s.media == nil {
		return nil, domainError(503, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.ReporterID != session.UserID && !rbac.IsAdmin(rbac.Normalize(session.Role)) {
		return nil, errForbidden("only the reporter can attach media")
	}

	mediaType, err := media.MediaType(contentType)
	if err != nil {
		return nil, errValidation(err.Error())
	}

	url, err := s.media.Upload(ctx, issueID, filename, contentType, size, body)
	if err != nil {
		return nil, err
	}

	item := store.IssueMedia{
		ID:        util.NewID("med"),
		IssueID:   issueID,
		URL:       url,
		MediaType: mediaType,
	}
	if err := s.store.InsertIssueMedia(ctx, item); err != nil {
		return nil, err
	}

	return map[string]any{"media": map[string]any{
		"id":        item.ID,
		"url":       item.URL,
		"mediaType": item.MediaType,
	}}, nil
}

// ---------------------------------------------------------------------------
// Votes

func (s *Service) CastVote(ctx context.Context, session Session, issueID string, input VoteInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionReport) {
		return nil, errForbidden("")
	}
	var voteType int
	switch strings.ToLower(strings.TrimSpace(input.Direction)) {
	case "up":
		voteType = 1
	case "down":
		voteType = -1
	default:
		return nil, errValidation("direction must be 'up' or 'down'")
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.ReporterID == session.UserID {
		return nil, errValidation("you cannot vote on your own issue")
	}

	result, err := s.store.CastVote(ctx, issueID, session.UserID, voteType)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidatePrefix(ctx, "issues:")

	return map[string]any{
		"action":    result.Action,
		"voteScore": result.VoteScore,
	}, nil
}

func (s *Service) RemoveVote(ctx context.Context, session Session, issueID string) (map[string]any, error) {
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	result, err := s.store.DeleteVote(ctx, issueID, session.UserID)
	if err != nil {
		if err == store.ErrNoVote {
			return nil, errNotFound("no vote to remove")
		}
		return nil, err
	}
	s.cache.InvalidatePrefix(ctx, "issues:")

	return map[string]any{
		"action":    result.Action,
		"voteScore": result.VoteScore,
	}, nil
}

// ---------------------------------------------------------------------------
// Comments and moderation

func (s *Service) AddComment(ctx context.Context, session Session, issueID string, input CommentInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionReport) {
		return nil, errForbidden("")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, errValidation("body is required")
	}
	if len(body) > 4000 {
		return nil, errValidation("body must be at most 4000 characters")
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if input.ParentID != nil {
		parent, err := s.store.GetComment(ctx, *input.ParentID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, errValidation("parent comment does not exist")
			}
			return nil, err
		}
		if parent.IssueID != issueID {
			return nil, errValidation("parent comment belongs to a different issue")
		}
	}

	comment := store.Comment{
		ID:       util.NewID("com"),
		IssueID:  issueID,
		AuthorID: session.UserID,
		ParentID: input.ParentID,
		Body:     body,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:      comment.ID,
			Body:    comment.Body,
			IssueID: issueID,
			ZoneID:  issue.ZoneID,
		})
	}

	stored, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"comment": commentPayload(stored)}, nil
}

func (s *Service) ListComments(ctx context.Context, issueID string) (map[string]any, error) {
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListIssueComments(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return map[string]any{"comments": items}, nil
}

func (s *Service) FlagComment(ctx context.Context, session Session, commentID string, input FlagCommentInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionReport) {
		return nil, errForbidden("")
	}
	reason := strings.ToUpper(strings.TrimSpace(input.Reason))
	if _, ok := allowedFlagReasons[reason]; !ok {
		return nil, errValidation("unknown flag reason")
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.AuthorID == session.UserID {
		return nil, errValidation("you cannot flag your own comment")
	}

	result, err := s.store.FlagComment(ctx, store.CommentFlag{
		ID:         util.NewID("flg"),
		CommentID:  commentID,
		ReporterID: session.UserID,
		Reason:     reason,
		Details:    strings.TrimSpace(input.Details),
	})
	if err != nil {
		if err == store.ErrDuplicateFlag {
			return nil, errConflict("ALREADY_FLAGGED", "You have already flagged this comment")
		}
		return nil, err
	}

	return map[string]any{
		"flagCount": result.FlagCount,
		"isFlagged": result.IsFlagged,
	}, nil
}

func (s *Service) ListFlaggedComments(ctx context.Context, session Session) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionModerate) {
		return nil, errForbidden("")
	}
	comments, err := s.store.ListFlaggedComments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		payload := commentPayload(comment)
		flags, err := s.store.ListCommentFlags(ctx, comment.ID)
		if err != nil {
			return nil, err
		}
		flagItems := make([]map[string]any, 0, len(flags))
		for _, flag := range flags {
			flagItems = append(flagItems, map[string]any{
				"reporterId": flag.ReporterID,
				"reason":     flag.Reason,
				"details":    flag.Details,
				"status":     flag.Status,
				"createdAt":  flag.CreatedAt,
			})
		}
		payload["flags"] = flagItems
		items = append(items, payload)
	}
	return map[string]any{"comments": items}, nil
}

// ReviewFlaggedComment settles an escalated comment: "approve" keeps it
// and resets its flag state, "remove" deletes it along with its replies.
func (s *Service) ReviewFlaggedComment(ctx context.Context, session Session, commentID string, input ReviewFlagInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionModerate) {
		return nil, errForbidden("")
	}
	feedback := strings.TrimSpace(input.Feedback)

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "approve":
		if err := s.store.ApproveComment(ctx, commentID, session.UserID, feedback); err != nil {
			return nil, err
		}
		comment, err := s.store.GetComment(ctx, commentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"comment": commentPayload(comment)}, nil
	case "remove", "delete":
		if err := s.store.DeleteFlaggedComment(ctx, commentID, session.UserID, feedback); err != nil {
			return nil, err
		}
		if s.search != nil {
			s.search.DeleteComment(commentID)
		}
		return map[string]any{"removed": true}, nil
	default:
		return nil, errValidation("action must be 'approve' or 'delete'")
	}
}

// ---------------------------------------------------------------------------
// Search

func (s *Service) Search(ctx context.Context, text, filterType, zoneID, categoryID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{
		Text:             text,
		FilterType:       search.ResultType(filterType),
		FilterZoneID:     zoneID,
		FilterCategoryID: categoryID,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

// ---------------------------------------------------------------------------
// Profiles

func (s *Service) Profile(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	badges, err := s.store.ListUserBadges(ctx, userID)
	if err != nil {
		return nil, err
	}
	badgeItems := make([]map[string]any, 0, len(badges))
	for _, badge := range badges {
		badgeItems = append(badgeItems, map[string]any{
			"badgeId":   badge.BadgeID,
			"name":      badge.BadgeName,
			"awardedAt": badge.AwardedAt,
		})
	}
	return map[string]any{"user": map[string]any{
		"id":             user.ID,
		"displayName":    user.DisplayName,
		"role":           user.Role,
		"reputation":     user.Reputation,
		"issuesReported": user.IssuesReported,
		"votesCast":      user.VotesCast,
		"commentsPosted": user.CommentsPosted,
		"badges":         badgeItems,
		"createdAt":      user.CreatedAt,
	}}, nil
}

// ---------------------------------------------------------------------------
// Internal helpers

func (s *Service) indexIssue(issue store.Issue) {
	if s.search == nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Location:    issue.Location,
		CategoryID:  issue.CategoryID,
		ZoneID:      issue.ZoneID,
		Status:      issue.Status,
	})
}

// SendVerificationEmail delivers the signup verification mail off the
// request path.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verifyURL := strings.TrimRight(s.cfg.CORSOrigin, "/") + "/verify-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, verifyURL); err != nil {
			log.Printf("verification email to %s: %v", to, err)
		}
	}()
}

func (s *Service) SendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	userName := to
	if user, err := s.store.GetUserByEmail(context.Background(), to); err == nil {
		userName = user.DisplayName
	}
	resetURL := strings.TrimRight(s.cfg.CORSOrigin, "/") + "/reset-password?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, resetURL); err != nil {
			log.Printf("password reset email to %s: %v", to, err)
		}
	}()
}

func (s *Service) notifyResolved(ctx context.Context, issue store.Issue) {
	if !s.SMTPConfigured() {
		return
	}
	reporter, err := s.store.GetUserByID(ctx, issue.ReporterID)
	if err != nil {
		log.Printf("resolution notice for %s: load reporter: %v", issue.ID, err)
		return
	}
	issueURL := strings.TrimRight(s.cfg.CORSOrigin, "/") + "/issues/" + issue.ID
	go func() {
		if err := s.email.SendResolutionEmail(reporter.Email, reporter.DisplayName, issue.Title, issueURL); err != nil {
			log.Printf("resolution notice for %s: %v", issue.ID, err)
		}
	}()
}

func issueListCacheKey(filter store.IssueFilter) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d",
		filter.Status, filter.CategoryID, filter.ZoneID, filter.ReporterID,
		filter.Search, filter.Sort, filter.Limit, filter.Offset)
	sum := sha1.Sum([]byte(raw))
	return "issues:list:" + hex.EncodeToString(sum[:])
}

func issuePayload(issue store.Issue) map[string]any {
	payload := map[string]any{
		"id":           issue.ID,
		"title":        issue.Title,
		"description":  issue.Description,
		"location":     issue.Location,
		"status":       issue.Status,
		"categoryId":   issue.CategoryID,
		"categoryName": issue.CategoryName,
		"zoneId":       issue.ZoneID,
		"zoneName":     issue.ZoneName,
		"reporterId":   issue.ReporterID,
		"reporterName": issue.ReporterName,
		"voteScore":    issue.VoteScore,
		"urgencyScore": issue.UrgencyScore,
		"createdAt":    issue.CreatedAt,
		"updatedAt":    issue.UpdatedAt,
	}
	if issue.AssignedTo != nil {
		payload["assignedTo"] = *issue.AssignedTo
	}
	if issue.PrimaryIssueID != nil {
		payload["primaryIssueId"] = *issue.PrimaryIssueID
	}
	if issue.ResolvedAt != nil {
		payload["resolvedAt"] = *issue.ResolvedAt
	}
	return payload
}

func commentPayload(comment store.Comment) map[string]any {
	payload := map[string]any{
		"id":         comment.ID,
		"issueId":    comment.IssueID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"body":       comment.Body,
		"flagCount":  comment.FlagCount,
		"isFlagged":  comment.IsFlagged,
		"createdAt":  comment.CreatedAt,
	}
	if comment.ParentID != nil {
		payload["parentId"] = *comment.ParentID
	}
	return payload
}
