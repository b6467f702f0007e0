package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	Reputation            int
	IssuesReported        int
	VotesCast             int
	CommentsPosted        int
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Zone struct {
	ID        string
	Name      string
	ZoneType  string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type IssueCategory struct {
	ID   string
	Name string
	Slug string
}

// StewardAssignment grants a steward authority over issues of one
// category within one zone. Exact-triple match, no inheritance.
type StewardAssignment struct {
	ID         string
	StewardID  string
	CategoryID string
	ZoneID     string
	IsActive   bool
	AssignedBy string
	CreatedAt  time.Time
	// Joined fields for API responses
	StewardName  string
	CategoryName string
	ZoneName     string
}

type Issue struct {
	ID             string
	Title          string
	Description    string
	Location       string
	Status         string
	CategoryID     string
	ZoneID         string
	ReporterID     string
	AssignedTo     *string
	PrimaryIssueID *string
	VoteScore      int
	UrgencyScore   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
	// Joined fields for API responses
	CategoryName string
	ZoneName     string
	ReporterName string
}

// IssueFilter selects issues for listing. Zero values mean "any".
type IssueFilter struct {
	Status     string
	CategoryID string
	ZoneID     string
	ReporterID string
	Search     string
	Sort       string // "newest", "oldest", "votes", "urgency"
	Limit      int
	Offset     int
}

type Vote struct {
	ID        string
	IssueID   string
	UserID    string
	VoteType  int // +1 or -1
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	IssueID   string
	AuthorID  string
	ParentID  *string
	Body      string
	FlagCount int
	IsFlagged bool
	CreatedAt time.Time
	UpdatedAt time.Time
	// Joined field for API responses
	AuthorName string
}

type CommentFlag struct {
	ID         string
	CommentID  string
	ReporterID string
	Reason     string
	Details    string
	Status     string // PENDING, APPROVED, REJECTED
	CreatedAt  time.Time
}

// IssueHistoryEntry is one row of the append-only transition log.
type IssueHistoryEntry struct {
	ID        int64
	IssueID   string
	OldStatus string
	NewStatus string
	ActorID   string
	Reason    string
	CreatedAt time.Time
	// Joined field for API responses
	ActorName string
}

type IssueMedia struct {
	ID        string
	IssueID   string
	URL       string
	MediaType string // photo, video
	CreatedAt time.Time
}

type Badge struct {
	ID                 string
	Name               string
	Description        string
	RequiredReputation int
	CreatedAt          time.Time
}

type UserBadge struct {
	UserID    string
	BadgeID   string
	AwardedAt time.Time
	// Joined fields for API responses
	BadgeName string
}

// StewardWorkload summarizes a steward's scoped issue load.
type StewardWorkload struct {
	StewardID  string
	Open       int
	InProgress int
	Resolved   int
	Total      int
}
