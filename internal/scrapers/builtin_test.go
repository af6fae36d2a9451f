package scrapers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loon-data/loon/platform/internal/scraper"
)

type collectSink struct {
	records []scraper.RawRecord
	limit   int
}

func (s *collectSink) Emit(v any) error {
	if s.limit > 0 && len(s.records) >= s.limit {
		return scraper.ErrBudgetExhausted
	}
	s.records = append(s.records, v.(scraper.RawRecord))
	return nil
}

func TestListExtractorFollowsPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "":
			fmt.Fprint(w, `{"objects":[{"name":"Anita Singh","url":"/representatives/x/anita-singh/","district_name":"Spadina","elected_office":"Councillor","party_name":""}],"meta":{"next":"/page?offset=1"}}`)
		default:
			fmt.Fprint(w, `{"objects":[{"name":"Paul Tremblay","url":"/representatives/x/paul-tremblay/"}],"meta":{"next":null}}`)
		}
	}))
	defer srv.Close()

	e := &listExtractor{url: srv.URL + "/page", kind: scraper.KindRepresentative, aliases: representAliases}
	sink := &collectSink{}
	fetch := scraper.NewFetcher(srv.Client(), nil, "test")

	require.NoError(t, e.Extract(context.Background(), fetch, sink))
	require.Len(t, sink.records, 2)

	first := sink.records[0]
	assert.Equal(t, scraper.KindRepresentative, first.Kind)
	assert.Equal(t, "Anita Singh", first.Str("name"))
	assert.Equal(t, "/representatives/x/anita-singh/", first.Str("external_id"))
	assert.Equal(t, "Spadina", first.Str("district"))
	assert.Equal(t, "Councillor", first.Str("role"))
}

func TestListExtractorBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"NumberCode":"C-11","LongTitleEn":"An Act respecting online streaming","LatestCompletedMajorStageNameEn":"Royal assent","ParlSessionCode":"44-1"}]`)
	}))
	defer srv.Close()

	e := &listExtractor{url: srv.URL, kind: scraper.KindBill, aliases: legisinfoAliases}
	sink := &collectSink{}
	fetch := scraper.NewFetcher(srv.Client(), nil, "test")

	require.NoError(t, e.Extract(context.Background(), fetch, sink))
	require.Len(t, sink.records, 1)
	assert.Equal(t, scraper.KindBill, sink.records[0].Kind)
	assert.Equal(t, "C-11", sink.records[0].Str("number"))
	assert.Equal(t, "44-1", sink.records[0].Str("session"))
}

func TestListExtractorStopsOnBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Always advertises another page; only the budget ends the run.
		fmt.Fprint(w, `{"objects":[{"name":"A"},{"name":"B"}],"meta":{"next":"/more"}}`)
	}))
	defer srv.Close()

	e := &listExtractor{url: srv.URL, kind: scraper.KindRepresentative, aliases: representAliases}
	sink := &collectSink{limit: 3}
	fetch := scraper.NewFetcher(srv.Client(), nil, "test")

	require.NoError(t, e.Extract(context.Background(), fetch, sink))
	assert.Len(t, sink.records, 3)
}

func TestListExtractorRejectsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	e := &listExtractor{url: srv.URL, kind: scraper.KindRepresentative}
	fetch := scraper.NewFetcher(srv.Client(), nil, "test")

	err := e.Extract(context.Background(), fetch, &collectSink{})
	require.Error(t, err)
}

func TestRecordConvertsValueShapes(t *testing.T) {
	e := &listExtractor{kind: scraper.KindRepresentative, aliases: representAliases}
	rec := e.record(map[string]any{
		"name":          "Marie de la Rocha",
		"district_name": "Ward 3",
		"extra":         map[string]any{"name": "structured"},
		"offices":       []any{"tel: 555-0100", "fax: 555-0101"},
		"personal_url":  "https://example.com",
		"seat":          float64(12),
	})

	assert.Equal(t, "Marie de la Rocha", rec.Str("name"))
	assert.Equal(t, "Ward 3", rec.Str("district"))
	assert.False(t, rec.Field("personal_url").Present(), "blanked aliases drop the field")
	assert.Equal(t, "structured", rec.Field("extra").String())
	assert.Equal(t, "tel: 555-0100, fax: 555-0101", rec.Str("office"))
	assert.Equal(t, "12", rec.Str("seat"))
}

func TestBuiltinFactoriesBuildFreshExtractors(t *testing.T) {
	factories := Builtin()
	require.NotEmpty(t, factories)

	f, ok := factories["ca-federal-representatives"]
	require.True(t, ok)
	assert.NotSame(t, f(), f(), "each call must build a fresh extractor")
}
