package store

import "time"

type User struct {
	ID           string
	Email        string
	Username     string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Decision is a governance case under deliberation.
type Decision struct {
	ID               int64
	Title            string
	Description      string
	Category         string
	Status           string
	Deadline         *time.Time
	AuthorID         *string
	Outcome          *string
	ConsensusReached bool
	IsDemo           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DecisionUpdate carries the optional fields of a partial decision update.
// Nil pointers are left untouched.
type DecisionUpdate struct {
	Title            *string
	Description      *string
	Category         *string
	Status           *string
	Deadline         *time.Time
	Outcome          *string
	ConsensusReached *bool
}

// Judgment is one committee member's sealed score and rationale.
type Judgment struct {
	ID          int64
	DecisionID  int64
	UserID      string
	Score       int
	Rationale   string
	SubmittedAt time.Time
}

// AuthorID reports the submitting user.
func (j Judgment) AuthorID() string {
	return j.UserID
}

type Comment struct {
	ID            int64
	DecisionID    int64
	UserID        string
	Content       string
	IsAIGenerated bool
	CreatedAt     time.Time
}

type Attachment struct {
	ID            int64
	DecisionID    *int64
	UserID        string
	FileName      string
	FileType      string
	FileSize      int64
	ObjectPath    string
	ExtractedText *string
	Context       string
	CreatedAt     time.Time
}

type AuditLog struct {
	ID         int64
	UserID     *string
	Action     string
	EntityType string
	EntityID   int64
	Details    map[string]any
	CreatedAt  time.Time
}

type NonprofitProfile struct {
	ID              int64
	EIN             string
	Name            string
	City            *string
	State           *string
	TaxStatus       *string
	NTEECode        *string
	IsPublicCharity *bool
	IsTaxDeductible *bool
	Revenue         *int64
	Expenses        *int64
	Assets          *int64
	EmployeeCount   *int
	RawData         []byte
	FetchedAt       *time.Time
}

type GrantOpportunity struct {
	ID              int64
	ExternalID      *string
	Title           string
	Agency          *string
	FundingCategory *string
	AwardFloor      *int64
	AwardCeiling    *int64
	OpenDate        *string
	CloseDate       *string
	Description     *string
	RawData         []byte
	RelevanceScore  *int
	FetchedAt       *time.Time
}

type GrantAlert struct {
	ID                 int64
	GrantOpportunityID int64
	RelevanceScore     int
	RelevanceReason    string
	MatchedKeywords    []string
	Status             string
	CreatedAt          time.Time
	// Joined for listing.
	Opportunity *GrantOpportunity
}

type GrantAlertPage struct {
	Alerts   []GrantAlert
	Total    int
	NewCount int
}

type OrgGrantHistory struct {
	ID         int64
	FunderName string
	Amount     int64
	Year       int
	SourceURL  *string
	Notes      *string
}
