package app

import (
	"context"
	"database/sql"
	"log"
	"strings"

	"civiclens/api/internal/export"
	"civiclens/api/internal/rbac"
	"civiclens/api/internal/store"
	"civiclens/api/internal/util"
)

// requireTriageAccess authorizes a status transition or duplicate marking.
// Admins pass unconditionally; stewards need an active assignment matching
// the issue's exact (category, zone) pair. Broader or overlapping scopes do
// not inherit.
func (s *Service) requireTriageAccess(ctx context.Context, session Session, issue store.Issue) error {
	role := rbac.Normalize(session.Role)
	if rbac.IsAdmin(role) {
		return nil
	}
	if !rbac.Can(role, rbac.ActionTriage) {
		return errForbidden("")
	}
	ok, err := s.store.HasActiveAssignment(ctx, session.UserID, issue.CategoryID, issue.ZoneID)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden("no active assignment for this category and zone")
	}
	return nil
}

func (s *Service) StewardIssues(ctx context.Context, session Session) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionTriage) {
		return nil, errForbidden("")
	}
	issues, err := s.store.ListStewardIssues(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issuePayload(issue))
	}
	return map[string]any{"issues": items}, nil
}

func (s *Service) StewardWorkload(ctx context.Context, session Session) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionTriage) {
		return nil, errForbidden("")
	}
	workload, err := s.store.GetStewardWorkload(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workload": map[string]any{
		"open":       workload.Open,
		"inProgress": workload.InProgress,
		"resolved":   workload.Resolved,
		"total":      workload.Total,
	}}, nil
}

func (s *Service) MyAssignments(ctx context.Context, session Session) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionTriage) {
		return nil, errForbidden("")
	}
	assignments, err := s.store.ListAssignmentsForSteward(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"assignments": assignmentPayloads(assignments)}, nil
}

// ---------------------------------------------------------------------------
// Zones

type ZoneInput struct {
	Name     string `json:"name"`
	ZoneType string `json:"zoneType"`
}

var allowedZoneTypes = map[string]struct{}{
	"WARD":     {},
	"DISTRICT": {},
	"LOCALITY": {},
}

func (s *Service) ListZones(ctx context.Context, includeInactive bool) (map[string]any, error) {
	zones, err := s.store.ListZones(ctx, includeInactive)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(zones))
	for _, zone := range zones {
		items = append(items, zonePayload(zone))
	}
	return map[string]any{"zones": items}, nil
}

func (s *Service) CreateZone(ctx context.Context, session Session, input ZoneInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errValidation("name is required")
	}
	zoneType := strings.ToUpper(strings.TrimSpace(input.ZoneType))
	if _, ok := allowedZoneTypes[zoneType]; !ok {
		return nil, errValidation("zoneType must be one of WARD, DISTRICT, LOCALITY")
	}

	zone := store.Zone{
		ID:       util.NewID("zon"),
		Name:     name,
		ZoneType: zoneType,
		IsActive: true,
	}
	if err := s.store.InsertZone(ctx, zone); err != nil {
		return nil, err
	}
	stored, err := s.store.GetZone(ctx, zone.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"zone": zonePayload(stored)}, nil
}

func (s *Service) UpdateZone(ctx context.Context, session Session, zoneID string, input ZoneInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	zone, err := s.store.GetZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = zone.Name
	}
	zoneType := strings.ToUpper(strings.TrimSpace(input.ZoneType))
	if zoneType == "" {
		zoneType = zone.ZoneType
	}
	if _, ok := allowedZoneTypes[zoneType]; !ok {
		return nil, errValidation("zoneType must be one of WARD, DISTRICT, LOCALITY")
	}
	if err := s.store.UpdateZone(ctx, zoneID, name, zoneType); err != nil {
		return nil, err
	}
	stored, err := s.store.GetZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidatePrefix(ctx, "issues:")
	return map[string]any{"zone": zonePayload(stored)}, nil
}

// DeactivateZone refuses while the zone still has unresolved issues.
func (s *Service) DeactivateZone(ctx context.Context, session Session, zoneID string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return errForbidden("")
	}
	if _, err := s.store.GetZone(ctx, zoneID); err != nil {
		return err
	}
	if err := s.store.DeactivateZone(ctx, zoneID); err != nil {
		if err == store.ErrZoneHasActiveIssues {
			return errConflict("ZONE_HAS_ACTIVE_ISSUES", "Zone still has unresolved issues")
		}
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Categories

func (s *Service) ListCategories(ctx context.Context) (map[string]any, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		items = append(items, map[string]any{
			"id":   category.ID,
			"name": category.Name,
			"slug": category.Slug,
		})
	}
	return map[string]any{"categories": items}, nil
}

type CategoryInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (s *Service) CreateCategory(ctx context.Context, session Session, input CategoryInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errValidation("name is required")
	}
	slug := strings.TrimSpace(input.Slug)
	if slug == "" {
		slug = strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	}
	existing, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, category := range existing {
		if category.Slug == slug {
			return nil, errConflict("CATEGORY_EXISTS", "A category with this slug already exists")
		}
	}
	category := store.IssueCategory{
		ID:   util.NewID("cat"),
		Name: name,
		Slug: slug,
	}
	if err := s.store.EnsureCategory(ctx, category); err != nil {
		return nil, err
	}
	return map[string]any{"category": map[string]any{
		"id":   category.ID,
		"name": category.Name,
		"slug": category.Slug,
	}}, nil
}

// ---------------------------------------------------------------------------
// Steward assignments

type AssignStewardInput struct {
	StewardID  string `json:"stewardId"`
	CategoryID string `json:"categoryId"`
	ZoneID     string `json:"zoneId"`
}

// AssignSteward grants a (category, zone) scope. Assigning a citizen
// promotes them to STEWARD so the grant is usable immediately.
func (s *Service) AssignSteward(ctx context.Context, session Session, input AssignStewardInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	if input.StewardID == "" || input.CategoryID == "" || input.ZoneID == "" {
		return nil, errValidation("stewardId, categoryId and zoneId are required")
	}

	steward, err := s.store.GetUserByID(ctx, input.StewardID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errValidation("steward does not exist")
		}
		return nil, err
	}
	if _, err := s.store.GetCategory(ctx, input.CategoryID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errValidation("category does not exist")
		}
		return nil, err
	}
	if _, err := s.store.GetZone(ctx, input.ZoneID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errValidation("zone does not exist")
		}
		return nil, err
	}

	if rbac.Normalize(steward.Role) == rbac.RoleCitizen {
		if err := s.store.UpdateUserRole(ctx, steward.ID, string(rbac.RoleSteward)); err != nil {
			return nil, err
		}
	}

	assignment := store.StewardAssignment{
		ID:         util.NewID("asg"),
		StewardID:  input.StewardID,
		CategoryID: input.CategoryID,
		ZoneID:     input.ZoneID,
		IsActive:   true,
		AssignedBy: session.UserID,
	}
	if err := s.store.InsertAssignment(ctx, assignment); err != nil {
		if err == store.ErrDuplicateAssignment {
			return nil, errConflict("ALREADY_ASSIGNED", "Steward already holds this category and zone")
		}
		return nil, err
	}

	return map[string]any{"assignment": map[string]any{
		"id":         assignment.ID,
		"stewardId":  assignment.StewardID,
		"categoryId": assignment.CategoryID,
		"zoneId":     assignment.ZoneID,
		"isActive":   true,
	}}, nil
}

func (s *Service) DeactivateAssignment(ctx context.Context, session Session, assignmentID string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return errForbidden("")
	}
	return s.store.DeactivateAssignment(ctx, assignmentID)
}

// ---------------------------------------------------------------------------
// Users

func (s *Service) ListUsers(ctx context.Context, session Session, limit, offset int) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	users, err := s.store.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":          user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
			"role":        user.Role,
			"reputation":  user.Reputation,
			"createdAt":   user.CreatedAt,
		})
	}
	return map[string]any{"users": items}, nil
}

func (s *Service) UpdateUserRole(ctx context.Context, session Session, userID, role string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	normalized := strings.ToUpper(strings.TrimSpace(role))
	switch rbac.Role(normalized) {
	case rbac.RoleCitizen, rbac.RoleSteward, rbac.RoleSuperAdmin:
	default:
		return nil, errValidation("role must be one of CITIZEN, STEWARD, SUPER_ADMIN")
	}
	if userID == session.UserID && normalized != string(rbac.RoleSuperAdmin) {
		return nil, errValidation("you cannot demote your own account")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateUserRole(ctx, userID, normalized); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"role":        user.Role,
	}}, nil
}

// ---------------------------------------------------------------------------
// Badges

type BadgeInput struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	RequiredReputation int    `json:"requiredReputation"`
}

func (s *Service) ListBadges(ctx context.Context) (map[string]any, error) {
	badges, err := s.store.ListBadges(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(badges))
	for _, badge := range badges {
		items = append(items, map[string]any{
			"id":                 badge.ID,
			"name":               badge.Name,
			"description":        badge.Description,
			"requiredReputation": badge.RequiredReputation,
		})
	}
	return map[string]any{"badges": items}, nil
}

func (s *Service) CreateBadge(ctx context.Context, session Session, input BadgeInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errValidation("name is required")
	}
	if input.RequiredReputation < 0 {
		return nil, errValidation("requiredReputation must be non-negative")
	}
	badge := store.Badge{
		ID:                 util.NewID("bdg"),
		Name:               name,
		Description:        strings.TrimSpace(input.Description),
		RequiredReputation: input.RequiredReputation,
	}
	if err := s.store.InsertBadge(ctx, badge); err != nil {
		return nil, err
	}
	return map[string]any{"badge": map[string]any{
		"id":                 badge.ID,
		"name":               badge.Name,
		"description":        badge.Description,
		"requiredReputation": badge.RequiredReputation,
	}}, nil
}

// ---------------------------------------------------------------------------
// Zone report export

func (s *Service) ExportZoneReport(ctx context.Context, session Session, zoneID, format, statusFilter string, includeComments bool) (*export.Result, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, errForbidden("")
	}
	if s.exporter == nil {
		return nil, domainError(503, "EXPORT_UNAVAILABLE", "Export not configured", nil)
	}
	var exportFormat export.Format
	switch strings.ToLower(format) {
	case "csv", "":
		exportFormat = export.FormatCSV
	case "pdf":
		exportFormat = export.FormatPDF
	default:
		return nil, errValidation("format must be 'csv' or 'pdf'")
	}
	if statusFilter != "" {
		statusFilter = strings.ToUpper(statusFilter)
		if _, ok := allowedStatuses[statusFilter]; !ok && statusFilter != store.StatusDuplicate {
			return nil, errValidation("unknown status filter")
		}
	}
	return s.exporter.Export(ctx, export.Request{
		ZoneID:          zoneID,
		Format:          exportFormat,
		StatusFilter:    statusFilter,
		IncludeComments: includeComments,
	})
}

// exportAdapter narrows the data store to what report generation reads.
type exportAdapter struct {
	store dataStore
}

func (a exportAdapter) GetZone(ctx context.Context, id string) (export.ZoneInfo, error) {
	zone, err := a.store.GetZone(ctx, id)
	if err != nil {
		return export.ZoneInfo{}, err
	}
	return export.ZoneInfo{ID: zone.ID, Name: zone.Name, ZoneType: zone.ZoneType}, nil
}

func (a exportAdapter) ListZoneIssues(ctx context.Context, zoneID, statusFilter string) ([]export.IssueInfo, error) {
	issues, err := a.store.ListIssues(ctx, store.IssueFilter{
		ZoneID: zoneID,
		Status: statusFilter,
		Sort:   "oldest",
		Limit:  10000,
	})
	if err != nil {
		return nil, err
	}
	items := make([]export.IssueInfo, 0, len(issues))
	for _, issue := range issues {
		items = append(items, export.IssueInfo{
			ID:           issue.ID,
			Title:        issue.Title,
			Description:  issue.Description,
			Location:     issue.Location,
			Status:       issue.Status,
			CategoryName: issue.CategoryName,
			ReporterName: issue.ReporterName,
			VoteScore:    issue.VoteScore,
			CreatedAt:    issue.CreatedAt,
			ResolvedAt:   issue.ResolvedAt,
		})
	}
	return items, nil
}

func (a exportAdapter) ListIssueComments(ctx context.Context, issueID string) ([]export.CommentInfo, error) {
	comments, err := a.store.ListIssueComments(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]export.CommentInfo, 0, len(comments))
	for _, comment := range comments {
		items = append(items, export.CommentInfo{
			Author: comment.AuthorName,
			Body:   comment.Body,
		})
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Bootstrap

// Seed carries the identifiers Bootstrap threads through instead of
// package-level state.
type Seed struct {
	AdminEmail    string
	AdminPassword string
	AdminName     string
}

var seedCategories = []store.IssueCategory{
	{ID: "cat_roads", Name: "Roads", Slug: "roads"},
	{ID: "cat_sanitation", Name: "Sanitation", Slug: "sanitation"},
	{ID: "cat_streetlights", Name: "Streetlights", Slug: "streetlights"},
	{ID: "cat_water", Name: "Water Supply", Slug: "water-supply"},
	{ID: "cat_parks", Name: "Parks", Slug: "parks"},
	{ID: "cat_safety", Name: "Public Safety", Slug: "public-safety"},
	{ID: "cat_other", Name: "Other", Slug: "other"},
}

var seedBadges = []store.Badge{
	{ID: "bdg_first_report", Name: "First Report", Description: "Reported a civic issue", RequiredReputation: 5},
	{ID: "bdg_active_citizen", Name: "Active Citizen", Description: "Earned 50 reputation", RequiredReputation: 50},
	{ID: "bdg_community_pillar", Name: "Community Pillar", Description: "Earned 250 reputation", RequiredReputation: 250},
}

// Bootstrap seeds the fixed category taxonomy, the default badge set and
// the initial super admin, then warms the search index. Every step is
// idempotent so it runs on each start.
func (s *Service) Bootstrap(ctx context.Context, seed Seed) error {
	for _, category := range seedCategories {
		if err := s.store.EnsureCategory(ctx, category); err != nil {
			return err
		}
	}
	for _, badge := range seedBadges {
		if err := s.store.InsertBadge(ctx, badge); err != nil {
			return err
		}
	}

	if seed.AdminEmail != "" && s.authpw != nil {
		if _, err := s.store.GetUserByEmail(ctx, seed.AdminEmail); err == sql.ErrNoRows {
			if err := s.authpw.CreateAdmin(ctx, seed.AdminEmail, seed.AdminPassword, seed.AdminName); err != nil {
				return err
			}
			log.Printf("bootstrap: created super admin %s", seed.AdminEmail)
		} else if err != nil {
			return err
		}
	}

	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func zonePayload(zone store.Zone) map[string]any {
	return map[string]any{
		"id":        zone.ID,
		"name":      zone.Name,
		"zoneType":  zone.ZoneType,
		"isActive":  zone.IsActive,
		"createdAt": zone.CreatedAt,
	}
}

func assignmentPayloads(assignments []store.StewardAssignment) []map[string]any {
	items := make([]map[string]any, 0, len(assignments))
	for _, assignment := range assignments {
		items = append(items, map[string]any{
			"id":           assignment.ID,
			"stewardId":    assignment.StewardID,
			"stewardName":  assignment.StewardName,
			"categoryId":   assignment.CategoryID,
			"categoryName": assignment.CategoryName,
			"zoneId":       assignment.ZoneID,
			"zoneName":     assignment.ZoneName,
			"isActive":     assignment.IsActive,
			"createdAt":    assignment.CreatedAt,
		})
	}
	return items
}
