// Package normalize turns loose scraper records into canonical entities plus
// data quality issues. Normalization never drops a salvageable record: bad
// fields are nulled or defaulted and the damage is reported as an issue.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/scraper"
)

// RepresentativeRecord is a normalized representative plus the committee
// names it claims membership in, resolved to rows by the ingest pipeline.
type RepresentativeRecord struct {
	domain.Representative
	Committees []string
}

// BillRecord is a normalized bill plus its sponsor external ids.
type BillRecord struct {
	domain.Bill
	SponsorExternalIDs []string
}

// EventRecord is a normalized event plus the natural keys of what it refers
// to. Ingest resolves them; a missing referent leaves the reference null.
type EventRecord struct {
	domain.Event
	BillNumber    string
	CommitteeName string
}

// VoteRecord links a representative to an event outcome by natural keys.
type VoteRecord struct {
	EventExternalID          string
	RepresentativeExternalID string
	Result                   domain.VoteResult
}

// Result is the output of normalizing one raw record: at most one entity
// pointer is non-nil. A record rejected outright has all pointers nil and at
// least one error-severity issue.
type Result struct {
	Representative *RepresentativeRecord
	Bill           *BillRecord
	Committee      *domain.Committee
	Event          *EventRecord
	Vote           *VoteRecord
	Issues         []domain.DataQualityIssue
}

// Record normalizes one raw record scraped for the jurisdiction.
func Record(rec scraper.RawRecord, jur domain.Jurisdiction, runID uuid.UUID) Result {
	n := &normalizer{jur: jur, runID: runID}
	switch rec.Kind {
	case scraper.KindRepresentative:
		return n.representative(rec)
	case scraper.KindBill:
		return n.bill(rec)
	case scraper.KindCommittee:
		return n.committee(rec)
	case scraper.KindEvent:
		return n.event(rec)
	case scraper.KindVote:
		return n.vote(rec)
	default:
		n.issue(domain.SeverityInfo, domain.IssueUnknownClassification,
			fmt.Sprintf("record kind %q has no canonical mapping", rec.Kind), nil)
		return n.result()
	}
}

type normalizer struct {
	jur    domain.Jurisdiction
	runID  uuid.UUID
	issues []domain.DataQualityIssue
}

func (n *normalizer) issue(sev domain.IssueSeverity, kind domain.IssueKind, desc string, entityRef *string) {
	runID := n.runID
	n.issues = append(n.issues, domain.DataQualityIssue{
		RunID:       &runID,
		Severity:    sev,
		Kind:        kind,
		Description: desc,
		EntityRef:   entityRef,
		DetectedAt:  time.Now().UTC(),
	})
}

func (n *normalizer) result() Result { return Result{Issues: n.issues} }

func (n *normalizer) representative(rec scraper.RawRecord) Result {
	externalID := strings.TrimSpace(rec.Str("external_id"))
	if externalID == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"representative record has no external_id", nil)
		return n.result()
	}
	ref := "representative:" + n.jur.Code + "/" + externalID

	given, family := splitName(rec)
	if given == "" && family == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"representative record has no name", &ref)
		return n.result()
	}

	role, known := MapRole(n.jur.Kind, rec.Str("role"))
	if !known && rec.Field("role").Present() {
		n.issue(domain.SeverityInfo, domain.IssueUnknownClassification,
			fmt.Sprintf("role %q has no mapping for %s, using other", rec.Str("role"), n.jur.Kind), &ref)
	}

	rep := domain.Representative{
		ExternalID: externalID,
		GivenName:  given,
		FamilyName: family,
		Role:       role,
		Active:     true,
	}

	if div := rec.Field("district"); div.Present() {
		name := CleanText(div.String())
		if name != "" {
			rep.District = &name
		}
		if div.IsBare() {
			n.issue(domain.SeverityInfo, domain.IssueAmbiguousDivision,
				"district given as bare string, treated as division name", &ref)
		}
	}
	if party := CleanText(rec.Str("party")); party != "" {
		rep.Party = &party
	}
	if email := strings.TrimSpace(rec.Str("email")); email != "" {
		rep.Contact.Email = &email
	}
	if phone := strings.TrimSpace(rec.Str("phone")); phone != "" {
		rep.Contact.Phone = &phone
	}
	if office := CleanText(rec.Str("office")); office != "" {
		rep.Contact.Office = &office
	}
	rep.PhotoURL = n.checkURL(rec.Str("photo_url"), "photo_url", ref)
	if bio := CleanText(rec.Str("biography")); bio != "" {
		rep.Biography = &bio
	}
	rep.TermStart = n.date(rec.Str("term_start"), "term_start", ref)
	rep.TermEnd = n.date(rec.Str("term_end"), "term_end", ref)

	var committees []string
	for _, name := range splitList(rec.Str("committees")) {
		if c := CleanText(name); c != "" {
			committees = append(committees, c)
		}
	}

	res := n.result()
	res.Representative = &RepresentativeRecord{Representative: rep, Committees: committees}
	return res
}

func (n *normalizer) bill(rec scraper.RawRecord) Result {
	number := strings.TrimSpace(rec.Str("number"))
	if number == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"bill record has no number", nil)
		return n.result()
	}
	ref := "bill:" + n.jur.Code + "/" + number

	if !ValidBillNumber(n.jur.Kind, number) {
		n.issue(domain.SeverityWarning, domain.IssueMalformedIdentifier,
			fmt.Sprintf("bill number %q does not match the %s pattern", number, n.jur.Kind), &ref)
	}

	status, known := MapBillStatus(rec.Str("status"))
	if !known && rec.Field("status").Present() {
		n.issue(domain.SeverityInfo, domain.IssueUnknownClassification,
			fmt.Sprintf("bill status %q has no mapping, assuming introduced", rec.Str("status")), &ref)
	}

	bill := domain.Bill{
		Number:  number,
		Session: CleanText(rec.Str("session")),
		Title:   CleanText(rec.Str("title")),
		Status:  status,
	}
	if summary := CleanText(rec.Str("summary")); summary != "" {
		bill.Summary = &summary
	}
	if full := rec.Str("full_text"); full != "" {
		bill.FullText = &full
	}

	res := n.result()
	res.Bill = &BillRecord{Bill: bill, SponsorExternalIDs: splitList(rec.Str("sponsors"))}
	return res
}

func (n *normalizer) committee(rec scraper.RawRecord) Result {
	name := CleanText(rec.Str("name"))
	if name == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"committee record has no name", nil)
		return n.result()
	}
	res := n.result()
	res.Committee = &domain.Committee{Name: name}
	return res
}

func (n *normalizer) event(rec scraper.RawRecord) Result {
	externalID := strings.TrimSpace(rec.Str("external_id"))
	if externalID == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"event record has no external_id", nil)
		return n.result()
	}
	ref := "event:" + n.jur.Code + "/" + externalID

	rawDate := rec.Str("date")
	if rawDate == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"event record has no date", &ref)
		return n.result()
	}
	date, approx, err := ParseDate(rawDate)
	if err != nil {
		n.issue(domain.SeverityError, domain.IssueAmbiguousDate,
			fmt.Sprintf("event date %q is unparseable", rawDate), &ref)
		return n.result()
	}
	if approx {
		n.issue(domain.SeverityInfo, domain.IssueAmbiguousDate,
			fmt.Sprintf("event date %q is year-only, assuming July 1", rawDate), &ref)
	}

	category, known := MapEventCategory(rec.Str("category"))
	if !known && rec.Field("category").Present() {
		n.issue(domain.SeverityInfo, domain.IssueUnknownClassification,
			fmt.Sprintf("event category %q has no mapping, using other", rec.Str("category")), &ref)
	}

	res := n.result()
	res.Event = &EventRecord{
		Event: domain.Event{
			ExternalID: externalID,
			Category:   category,
			Date:       date,
		},
		BillNumber:    strings.TrimSpace(rec.Str("bill_number")),
		CommitteeName: CleanText(rec.Str("committee")),
	}
	return res
}

func (n *normalizer) vote(rec scraper.RawRecord) Result {
	eventID := strings.TrimSpace(rec.Str("event_external_id"))
	repID := strings.TrimSpace(rec.Str("representative_external_id"))
	if eventID == "" || repID == "" {
		n.issue(domain.SeverityError, domain.IssueMissingRequiredField,
			"vote record needs event_external_id and representative_external_id", nil)
		return n.result()
	}
	ref := "vote:" + n.jur.Code + "/" + eventID + "/" + repID

	result, known := MapVoteResult(rec.Str("result"))
	if !known {
		n.issue(domain.SeverityWarning, domain.IssueUnknownClassification,
			fmt.Sprintf("vote result %q has no mapping, dropping vote", rec.Str("result")), &ref)
		return n.result()
	}

	res := n.result()
	res.Vote = &VoteRecord{
		EventExternalID:          eventID,
		RepresentativeExternalID: repID,
		Result:                   result,
	}
	return res
}

// checkURL validates and cleans a URL field, nulling invalid values.
func (n *normalizer) checkURL(raw, field, ref string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !ValidURL(raw) {
		n.issue(domain.SeverityWarning, domain.IssueInvalidURL,
			fmt.Sprintf("%s %q is not a valid http(s) URL", field, raw), &ref)
		return nil
	}
	return &raw
}

// date parses an optional date field, recording issues for ambiguity.
func (n *normalizer) date(raw, field, ref string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, approx, err := ParseDate(raw)
	if err != nil {
		n.issue(domain.SeverityWarning, domain.IssueAmbiguousDate,
			fmt.Sprintf("%s %q is unparseable, dropped", field, raw), &ref)
		return nil
	}
	if approx {
		n.issue(domain.SeverityInfo, domain.IssueAmbiguousDate,
			fmt.Sprintf("%s %q is year-only, assuming July 1", field, raw), &ref)
	}
	return &t
}

// splitName prefers explicit given/family fields, falling back to splitting
// a single name at its last space (particles attach to the family name).
func splitName(rec scraper.RawRecord) (given, family string) {
	given = CleanName(rec.Str("given_name"))
	family = CleanName(rec.Str("family_name"))
	if given != "" || family != "" {
		return given, family
	}
	full := CleanName(rec.Str("name"))
	if full == "" {
		return "", ""
	}
	words := strings.Split(full, " ")
	if len(words) == 1 {
		return "", words[0]
	}
	// Walk back so "Jeanne de la Rocha" splits as "Jeanne" / "de la Rocha".
	split := len(words) - 1
	for split > 1 && particles[strings.ToLower(words[split-1])] {
		split--
	}
	return strings.Join(words[:split], " "), strings.Join(words[split:], " ")
}

// splitList parses a comma-separated field into trimmed non-empty parts.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
