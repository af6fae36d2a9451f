package normalize

import (
	"regexp"
	"strings"

	"github.com/loon-data/loon/platform/internal/domain"
)

// roleTables map free-form role strings to the canonical taxonomy, keyed by
// jurisdiction level. Lookups are case-insensitive on the cleaned string.
var roleTables = map[domain.JurisdictionKind]map[string]domain.RepresentativeRole{
	domain.JurisdictionFederal: {
		"mp":                   domain.RoleMP,
		"member of parliament": domain.RoleMP,
		"député":               domain.RoleMP,
		"senator":              domain.RoleSenator,
		"sénateur":             domain.RoleSenator,
	},
	domain.JurisdictionProvincial: {
		"mla": domain.RoleMLA,
		"member of the legislative assembly": domain.RoleMLA,
		"mpp": domain.RoleMPP,
		"member of provincial parliament": domain.RoleMPP,
		"mna":    domain.RoleMNA,
		"député": domain.RoleMNA,
		"member of the national assembly": domain.RoleMNA,
	},
	domain.JurisdictionMunicipal: {
		"mayor":             domain.RoleMayor,
		"maire":             domain.RoleMayor,
		"councillor":        domain.RoleCouncillor,
		"council member":    domain.RoleCouncillor,
		"conseiller":        domain.RoleCouncillor,
		"reeve":             domain.RoleReeve,
		"deputy mayor":      domain.RoleCouncillor,
		"regional chair":    domain.RoleCouncillor,
		"ward councillor":   domain.RoleCouncillor,
		"city councillor":   domain.RoleCouncillor,
	},
}

// MapRole resolves a source role string for a jurisdiction level. Unknown
// values map to RoleOther with ok=false.
func MapRole(kind domain.JurisdictionKind, raw string) (domain.RepresentativeRole, bool) {
	key := strings.ToLower(CleanText(raw))
	if role, ok := roleTables[kind][key]; ok {
		return role, true
	}
	return domain.RoleOther, false
}

// billNumberPatterns validate bill identifiers per jurisdiction level.
// Municipal identifiers are free-form (no entry).
var billNumberPatterns = map[domain.JurisdictionKind]*regexp.Regexp{
	domain.JurisdictionFederal:    regexp.MustCompile(`^[CS]-\d+$`),
	domain.JurisdictionProvincial: regexp.MustCompile(`^(?:Bill\s+)?\d+[A-Za-z]?$`),
}

// ValidBillNumber checks an identifier against its jurisdiction's pattern.
func ValidBillNumber(kind domain.JurisdictionKind, number string) bool {
	re, ok := billNumberPatterns[kind]
	if !ok {
		return true
	}
	return re.MatchString(number)
}

// billStatuses maps source status strings to the canonical progression.
var billStatuses = map[string]domain.BillStatus{
	"introduced":     domain.BillIntroduced,
	"introduction":   domain.BillIntroduced,
	"first reading":  domain.BillFirstReading,
	"first_reading":  domain.BillFirstReading,
	"second reading": domain.BillSecondReading,
	"second_reading": domain.BillSecondReading,
	"committee":      domain.BillCommittee,
	"in committee":   domain.BillCommittee,
	"committee stage": domain.BillCommittee,
	"third reading":  domain.BillThirdReading,
	"third_reading":  domain.BillThirdReading,
	"passed":         domain.BillPassed,
	"adopted":        domain.BillPassed,
	"royal assent":   domain.BillRoyalAssent,
	"royal_assent":   domain.BillRoyalAssent,
	"failed":         domain.BillFailed,
	"defeated":       domain.BillFailed,
	"died on order paper": domain.BillFailed,
	"withdrawn": domain.BillWithdrawn,
}

// MapBillStatus resolves a source status string. Unknown values default to
// introduced with ok=false.
func MapBillStatus(raw string) (domain.BillStatus, bool) {
	key := strings.ToLower(CleanText(raw))
	if st, ok := billStatuses[key]; ok {
		return st, true
	}
	return domain.BillIntroduced, false
}

// eventCategories maps source event type strings to the canonical enum.
var eventCategories = map[string]domain.EventCategory{
	"meeting":           domain.EventMeeting,
	"sitting":           domain.EventMeeting,
	"vote":              domain.EventVote,
	"division":          domain.EventVote,
	"reading":           domain.EventReading,
	"committee meeting": domain.EventCommitteeMeeting,
	"committee_meeting": domain.EventCommitteeMeeting,
}

// MapEventCategory resolves a source event type. Unknown values map to
// other with ok=false.
func MapEventCategory(raw string) (domain.EventCategory, bool) {
	key := strings.ToLower(CleanText(raw))
	if c, ok := eventCategories[key]; ok {
		return c, true
	}
	return domain.EventOther, false
}

// voteResults maps source vote strings to the canonical enum.
var voteResults = map[string]domain.VoteResult{
	"yes":     domain.VoteYes,
	"yea":     domain.VoteYes,
	"aye":     domain.VoteYes,
	"pour":    domain.VoteYes,
	"no":      domain.VoteNo,
	"nay":     domain.VoteNo,
	"contre":  domain.VoteNo,
	"abstain": domain.VoteAbstain,
	"abstention": domain.VoteAbstain,
	"paired":  domain.VoteAbstain,
	"absent":  domain.VoteAbsent,
}

// MapVoteResult resolves a source vote string.
func MapVoteResult(raw string) (domain.VoteResult, bool) {
	key := strings.ToLower(CleanText(raw))
	if v, ok := voteResults[key]; ok {
		return v, true
	}
	return "", false
}
