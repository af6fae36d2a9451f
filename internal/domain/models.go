// Package domain defines the core business types shared across loond.
// These types represent the platform's data model, not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (computed
// fields, omitted internals), define a response struct in the api package
// instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRegistryEmpty indicates that registry discovery found no valid scrapers.
var ErrRegistryEmpty = errors.New("scraper registry is empty")

// ErrSessionActive indicates a phased loading session is already in progress.
var ErrSessionActive = errors.New("a loading session is already active")

// ErrScraperNotFound indicates the registry has no scraper with the given id.
var ErrScraperNotFound = errors.New("scraper not found")

// ErrNotFound indicates a referenced entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable indicates a transient store failure (connection refused,
// pool exhausted, failover in progress). Callers may retry with backoff.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrStoreConstraint indicates a permanent constraint violation at the store.
var ErrStoreConstraint = errors.New("store constraint violation")

// JurisdictionKind classifies a jurisdiction's level of government.
type JurisdictionKind string

const (
	JurisdictionFederal    JurisdictionKind = "federal"
	JurisdictionProvincial JurisdictionKind = "provincial"
	JurisdictionMunicipal  JurisdictionKind = "municipal"
	JurisdictionCivic      JurisdictionKind = "civic"
)

// ValidJurisdictionKind checks if a string is a valid jurisdiction kind.
func ValidJurisdictionKind(s string) bool {
	switch JurisdictionKind(s) {
	case JurisdictionFederal, JurisdictionProvincial, JurisdictionMunicipal, JurisdictionCivic:
		return true
	}
	return false
}

// Jurisdiction represents a federal, provincial/territorial, municipal, or
// other civic unit. The code is immutable once created; rows are never deleted.
type Jurisdiction struct {
	ID         uuid.UUID        `json:"id"`
	Kind       JurisdictionKind `json:"kind"`
	Code       string           `json:"code"` // e.g. "ca", "ca-on", "ca-on-toronto"
	Name       string           `json:"name"`
	ParentCode *string          `json:"parent_code,omitempty"`
	DivisionID string           `json:"division_id"` // OCD division identifier
	WebsiteURL *string          `json:"website_url,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RepresentativeRole is the canonical role taxonomy for elected officials.
type RepresentativeRole string

const (
	RoleMP         RepresentativeRole = "mp"
	RoleSenator    RepresentativeRole = "senator"
	RoleMLA        RepresentativeRole = "mla"
	RoleMPP        RepresentativeRole = "mpp"
	RoleMNA        RepresentativeRole = "mna"
	RoleMayor      RepresentativeRole = "mayor"
	RoleCouncillor RepresentativeRole = "councillor"
	RoleReeve      RepresentativeRole = "reeve"
	RoleOther      RepresentativeRole = "other"
)

// ContactInfo holds the mutable contact surface of a representative.
// Stored as JSONB since the shape varies widely across sources.
type ContactInfo struct {
	Email      *string           `json:"email,omitempty"`
	Phone      *string           `json:"phone,omitempty"`
	Office     *string           `json:"office,omitempty"`
	SocialURLs map[string]string `json:"social_urls,omitempty"` // platform → URL
}

// Representative is an elected official. Identity is (jurisdiction,
// external_id) where external_id is the source's stable key. Representatives
// are never hard-deleted; they are marked inactive after enough consecutive
// runs stop observing them.
type Representative struct {
	ID             uuid.UUID          `json:"id"`
	JurisdictionID uuid.UUID          `json:"jurisdiction_id"`
	ExternalID     string             `json:"external_id"`
	GivenName      string             `json:"given_name"`
	FamilyName     string             `json:"family_name"`
	Role           RepresentativeRole `json:"role"`
	Party          *string            `json:"party,omitempty"`
	District       *string            `json:"district,omitempty"`
	Contact        ContactInfo        `json:"contact"`
	PhotoURL       *string            `json:"photo_url,omitempty"`
	Biography      *string            `json:"biography,omitempty"`
	TermStart      *time.Time         `json:"term_start,omitempty"`
	TermEnd        *time.Time         `json:"term_end,omitempty"`
	Active         bool               `json:"active"`
	MissedRuns     int                `json:"missed_runs"` // consecutive runs without observation
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// BillStatus tracks a bill through the legislative progression.
type BillStatus string

const (
	BillIntroduced    BillStatus = "introduced"
	BillFirstReading  BillStatus = "first_reading"
	BillSecondReading BillStatus = "second_reading"
	BillCommittee     BillStatus = "committee"
	BillThirdReading  BillStatus = "third_reading"
	BillPassed        BillStatus = "passed"
	BillRoyalAssent   BillStatus = "royal_assent"
	BillFailed        BillStatus = "failed"
	BillWithdrawn     BillStatus = "withdrawn"
)

// billStatusRank orders statuses along the legislative progression. The two
// terminal failure states rank above everything so a dead bill never counts
// as regressing.
var billStatusRank = map[BillStatus]int{
	BillIntroduced:    0,
	BillFirstReading:  1,
	BillSecondReading: 2,
	BillCommittee:     3,
	BillThirdReading:  4,
	BillPassed:        5,
	BillRoyalAssent:   6,
	BillFailed:        7,
	BillWithdrawn:     7,
}

// ValidBillStatus checks if s names a known bill status.
func ValidBillStatus(s string) bool {
	_, ok := billStatusRank[BillStatus(s)]
	return ok
}

// BillStatusForward reports whether moving from one status to another is a
// forward (or equal) transition along the progression.
func BillStatusForward(from, to BillStatus) bool {
	return billStatusRank[to] >= billStatusRank[from]
}

// Bill is a piece of legislation. Identity: (jurisdiction, number, session).
type Bill struct {
	ID             uuid.UUID             `json:"id"`
	JurisdictionID uuid.UUID             `json:"jurisdiction_id"`
	Number         string                `json:"number"` // e.g. "C-18"
	Session        string                `json:"session"`
	Title          string                `json:"title"`
	Summary        *string               `json:"summary,omitempty"`
	FullText       *string               `json:"full_text,omitempty"`
	Status         BillStatus            `json:"status"`
	StatusDates    map[BillStatus]string `json:"status_dates,omitempty"` // status → ISO date
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Committee identity: (jurisdiction, name).
type Committee struct {
	ID             uuid.UUID `json:"id"`
	JurisdictionID uuid.UUID `json:"jurisdiction_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EventCategory classifies a civic event.
type EventCategory string

const (
	EventMeeting          EventCategory = "meeting"
	EventVote             EventCategory = "vote"
	EventReading          EventCategory = "reading"
	EventCommitteeMeeting EventCategory = "committee_meeting"
	EventOther            EventCategory = "other"
)

// ValidEventCategory checks if s names a known event category.
func ValidEventCategory(s string) bool {
	switch EventCategory(s) {
	case EventMeeting, EventVote, EventReading, EventCommitteeMeeting, EventOther:
		return true
	}
	return false
}

// Event is a dated occurrence. Identity: (jurisdiction, external_id).
type Event struct {
	ID             uuid.UUID     `json:"id"`
	JurisdictionID uuid.UUID     `json:"jurisdiction_id"`
	ExternalID     string        `json:"external_id"`
	Category       EventCategory `json:"category"`
	Date           time.Time     `json:"date"`
	BillID         *uuid.UUID    `json:"bill_id,omitempty"`
	CommitteeID    *uuid.UUID    `json:"committee_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// VoteResult is the outcome of one representative's vote on an event.
type VoteResult string

const (
	VoteYes     VoteResult = "yes"
	VoteNo      VoteResult = "no"
	VoteAbstain VoteResult = "abstain"
	VoteAbsent  VoteResult = "absent"
)

// ValidVoteResult checks if s names a known vote result.
func ValidVoteResult(s string) bool {
	switch VoteResult(s) {
	case VoteYes, VoteNo, VoteAbstain, VoteAbsent:
		return true
	}
	return false
}

// Vote links an event and a representative with a result.
type Vote struct {
	EventID          uuid.UUID  `json:"event_id"`
	RepresentativeID uuid.UUID  `json:"representative_id"`
	Result           VoteResult `json:"result"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Sponsorship links a bill and a representative.
type Sponsorship struct {
	BillID           uuid.UUID `json:"bill_id"`
	RepresentativeID uuid.UUID `json:"representative_id"`
	IsPrimary        bool      `json:"is_primary"`
	CreatedAt        time.Time `json:"created_at"`
}

// Membership links a committee and a representative with a role and range.
type Membership struct {
	CommitteeID      uuid.UUID  `json:"committee_id"`
	RepresentativeID uuid.UUID  `json:"representative_id"`
	Role             string     `json:"role"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Category classifies a scraper by the tier of source it targets.
type Category string

const (
	CategoryParliamentary Category = "parliamentary"
	CategoryProvincial    Category = "provincial"
	CategoryMunicipal     Category = "municipal"
	CategoryCivic         Category = "civic"
	CategoryUpdate        Category = "update"
)

// categoryRank orders categories for priority tie-breaks (parliamentary first).
var categoryRank = map[Category]int{
	CategoryParliamentary: 0,
	CategoryProvincial:    1,
	CategoryMunicipal:     2,
	CategoryCivic:         3,
	CategoryUpdate:        4,
}

// ValidCategory checks if s names a known scraper category.
func ValidCategory(s string) bool {
	_, ok := categoryRank[Category(s)]
	return ok
}

// CategoryRank returns the tie-break rank for a category; lower runs first.
// Unknown categories rank last.
func CategoryRank(c Category) int {
	if r, ok := categoryRank[c]; ok {
		return r
	}
	return len(categoryRank)
}

// SizeClass is a coarse estimate of how many records a scraper yields.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// ValidSizeClass checks if s names a known size class.
func ValidSizeClass(s string) bool {
	switch SizeClass(s) {
	case SizeSmall, SizeMedium, SizeLarge:
		return true
	}
	return false
}

// Capabilities flags which entity kinds a scraper collects.
type Capabilities struct {
	Representatives bool `json:"representatives" yaml:"representatives"`
	Bills           bool `json:"bills" yaml:"bills"`
	Committees      bool `json:"committees" yaml:"committees"`
	Events          bool `json:"events" yaml:"events"`
	Votes           bool `json:"votes" yaml:"votes"`
}

// ScraperDescriptor describes one scraper as declared by its metadata file.
type ScraperDescriptor struct {
	ID             string           `json:"id" yaml:"id"`
	Category       Category         `json:"category" yaml:"category"`
	Jurisdiction   string           `json:"jurisdiction" yaml:"jurisdiction"`
	Kind           JurisdictionKind `json:"kind" yaml:"kind"`
	Tier           int              `json:"tier" yaml:"tier"` // 1 or 2; drives phase assignment
	Size           SizeClass        `json:"size" yaml:"size"`
	TimeoutSeconds int              `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRecords     int              `json:"max_records" yaml:"max_records"` // 0 = unlimited
	Cron           string           `json:"cron" yaml:"cron"`
	Capabilities   Capabilities     `json:"capabilities" yaml:"capabilities"`
	StartURL       string           `json:"start_url" yaml:"start_url"`
}

// Timeout returns the descriptor's hard deadline scaled by the strategy.
func (d *ScraperDescriptor) Timeout(s Strategy) time.Duration {
	return time.Duration(float64(d.TimeoutSeconds) * s.Multiplier() * float64(time.Second))
}

// RunStatus represents the state of a scraping run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunSkipped   RunStatus = "skipped"
	RunCancelled RunStatus = "cancelled"
)

// ValidRunStatus checks if s names a known run status.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunPending, RunRunning, RunSuccess, RunFailed, RunTimeout, RunSkipped, RunCancelled:
		return true
	}
	return false
}

// TerminalRunStatus returns true if the run status is final.
func TerminalRunStatus(s RunStatus) bool {
	switch s {
	case RunSuccess, RunFailed, RunTimeout, RunSkipped, RunCancelled:
		return true
	}
	return false
}

// ScrapingRun records a single invocation of one scraper.
type ScrapingRun struct {
	ID             uuid.UUID       `json:"id"`
	ScraperID      string          `json:"scraper_id"`
	Jurisdiction   string          `json:"jurisdiction"` // jurisdiction code
	Category       Category        `json:"category"`
	SessionID      *uuid.UUID      `json:"session_id,omitempty"`
	Status         RunStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	StartedAt      *time.Time      `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at"`
	RecordsFound   int             `json:"records_found"`
	RecordsNew     int             `json:"records_new"`
	RecordsUpdated int             `json:"records_updated"`
	ErrorsCount    int             `json:"errors_count"`
	ErrorLog       json.RawMessage `json:"error_log,omitempty"` // []StructuredError
	Summary        *string         `json:"summary,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Duration returns the run's wall-clock duration, or zero if not finished.
func (r *ScrapingRun) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// IssueSeverity grades a data quality issue.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityError    IssueSeverity = "error"
	SeverityCritical IssueSeverity = "critical"
)

// ValidIssueSeverity checks if s names a known severity.
func ValidIssueSeverity(s string) bool {
	switch IssueSeverity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// IssueKind is the closed enumeration of data quality observations.
type IssueKind string

const (
	IssueMissingRequiredField  IssueKind = "missing_required_field"
	IssueMalformedIdentifier   IssueKind = "malformed_identifier"
	IssueStaleRecord           IssueKind = "stale_record"
	IssueDuplicateCollision    IssueKind = "duplicate_collision"
	IssueUnknownClassification IssueKind = "unknown_classification"
	IssueInvalidURL            IssueKind = "invalid_url"
	IssueAmbiguousDivision     IssueKind = "ambiguous_division"
	IssueAmbiguousDate         IssueKind = "ambiguous_date"
	IssueBudgetExhausted       IssueKind = "budget_exhausted"
	IssueTransientRecovered    IssueKind = "transient_io_recovered"
	IssueTimeoutOrphan         IssueKind = "timeout_orphan"
	IssuePersistenceFailure    IssueKind = "persistence_failure"
)

// ValidIssueKind checks if s names a known issue kind.
func ValidIssueKind(s string) bool {
	switch IssueKind(s) {
	case IssueMissingRequiredField, IssueMalformedIdentifier, IssueStaleRecord,
		IssueDuplicateCollision, IssueUnknownClassification, IssueInvalidURL,
		IssueAmbiguousDivision, IssueAmbiguousDate, IssueBudgetExhausted,
		IssueTransientRecovered, IssueTimeoutOrphan, IssuePersistenceFailure:
		return true
	}
	return false
}

// DataQualityIssue is a structured observation about a record or run that did
// not abort processing but should be reviewed.
type DataQualityIssue struct {
	ID          uuid.UUID     `json:"id"`
	RunID       *uuid.UUID    `json:"run_id,omitempty"`
	Severity    IssueSeverity `json:"severity"`
	Kind        IssueKind     `json:"kind"`
	Description string        `json:"description"`
	EntityRef   *string       `json:"entity_ref,omitempty"` // e.g. "representative:ca-on/1234"
	DetectedAt  time.Time     `json:"detected_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// PhaseKind names one ordered segment of a loading session.
type PhaseKind string

const (
	PhasePreparation     PhaseKind = "preparation"
	PhaseFederalCore     PhaseKind = "federal_core"
	PhaseProvincialTier1 PhaseKind = "provincial_tier1"
	PhaseProvincialTier2 PhaseKind = "provincial_tier2"
	PhaseMunicipalMajor  PhaseKind = "municipal_major"
	PhaseMunicipalMinor  PhaseKind = "municipal_minor"
	PhaseValidation      PhaseKind = "validation"
)

// PhaseOrder is the fixed execution order of phases in a session.
var PhaseOrder = []PhaseKind{
	PhasePreparation,
	PhaseFederalCore,
	PhaseProvincialTier1,
	PhaseProvincialTier2,
	PhaseMunicipalMajor,
	PhaseMunicipalMinor,
	PhaseValidation,
}

// PhaseStatus represents the state of a session phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhasePaused    PhaseStatus = "paused"
	PhaseCompleted PhaseStatus = "completed"
	PhaseSkipped   PhaseStatus = "skipped"
	PhaseCancelled PhaseStatus = "cancelled"
	PhaseFailed    PhaseStatus = "failed"
)

// Phase is one segment of a loading session.
type Phase struct {
	SessionID  uuid.UUID   `json:"session_id"`
	Kind       PhaseKind   `json:"kind"`
	Status     PhaseStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at"`
	ScraperIDs []string    `json:"scraper_ids"`
	Progress   float64     `json:"progress"` // completed fraction in [0,1]
	ETASeconds *int        `json:"eta_seconds,omitempty"`
}

// Strategy tunes per-run timeouts and retry counts for a session.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// ValidStrategy checks if s names a known loading strategy.
func ValidStrategy(s string) bool {
	switch Strategy(s) {
	case StrategyConservative, StrategyBalanced, StrategyAggressive:
		return true
	}
	return false
}

// Multiplier returns the timeout and retry scaling factor for the strategy.
func (s Strategy) Multiplier() float64 {
	switch s {
	case StrategyConservative:
		return 1.5
	case StrategyAggressive:
		return 0.7
	default:
		return 1.0
	}
}

// SessionStatus represents the overall state of a loading session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// TerminalSessionStatus returns true if the session status is final.
func TerminalSessionStatus(s SessionStatus) bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionFailed
}

// LoadingSession is one invocation of the phased loader.
type LoadingSession struct {
	ID        uuid.UUID     `json:"id"`
	Strategy  Strategy      `json:"strategy"`
	StartedBy string        `json:"started_by"`
	Status    SessionStatus `json:"status"`
	Phases    []Phase       `json:"phases"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	PausedAt  *time.Time    `json:"paused_at,omitempty"`
}

// AuditEntry records an operator override or an overwritten field value.
type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	Actor     string          `json:"actor"`  // "system", a run id, or an operator name
	Action    string          `json:"action"` // e.g. "field_overwrite", "status_override"
	EntityRef string          `json:"entity_ref"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
