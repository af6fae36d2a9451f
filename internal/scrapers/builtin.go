// Package scrapers holds the built-in extraction entry points. Each factory
// is keyed by scraper id; the registry binds a metadata.yaml descriptor to its
// factory at load time. Most Canadian civic sources expose one of two JSON
// shapes: the Represent API page ({"objects": [...], "meta": {"next": ...}})
// or a bare top-level array (LEGISinfo). listExtractor handles both.
package scrapers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/scraper"
)

// maxPages bounds pagination so a source with a broken "next" link cannot
// loop forever inside one run.
const maxPages = 500

// listExtractor pulls a paginated JSON list and emits one raw record per
// object, renaming source keys to the canonical raw field names.
type listExtractor struct {
	url     string
	kind    scraper.RecordKind
	aliases map[string]string
}

func (e *listExtractor) Extract(ctx context.Context, fetch *scraper.Fetcher, sink scraper.Sink) error {
	next := e.url
	for page := 0; next != "" && page < maxPages; page++ {
		body, err := fetch.Get(ctx, next)
		if err != nil {
			return err
		}
		objects, nextRef, err := decodePage(body)
		if err != nil {
			return domain.Classifyf(domain.ErrorParse, "decode %s: %v", next, err)
		}
		for _, obj := range objects {
			if err := sink.Emit(e.record(obj)); err != nil {
				if errors.Is(err, scraper.ErrBudgetExhausted) {
					return nil
				}
				return err
			}
		}
		next, err = resolveNext(e.url, nextRef)
		if err != nil {
			return domain.Classifyf(domain.ErrorParse, "next link %q: %v", nextRef, err)
		}
	}
	return nil
}

// record converts one source object, applying the alias table and folding
// non-string scalars into bare fields.
func (e *listExtractor) record(obj map[string]any) scraper.RawRecord {
	fields := make(map[string]scraper.RawField, len(obj))
	for key, value := range obj {
		name := key
		if alias, ok := e.aliases[key]; ok {
			name = alias
		}
		if name == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			fields[name] = scraper.BareField(v)
		case map[string]any:
			fields[name] = scraper.StructuredField(v)
		case []any:
			if joined := joinStrings(v); joined != "" {
				fields[name] = scraper.BareField(joined)
			}
		case float64, bool:
			fields[name] = scraper.BareField(fmt.Sprint(v))
		}
	}
	return scraper.RawRecord{Kind: e.kind, Fields: fields}
}

// decodePage accepts a Represent-style page or a bare array.
func decodePage(body []byte) (objects []map[string]any, next string, err error) {
	var page struct {
		Objects []map[string]any `json:"objects"`
		Meta    struct {
			Next *string `json:"next"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &page); err == nil && page.Objects != nil {
		if page.Meta.Next != nil {
			next = *page.Meta.Next
		}
		return page.Objects, next, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, "", err
	}
	return list, "", nil
}

// resolveNext turns a relative continuation link into an absolute URL.
func resolveNext(base, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	n, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(n).String(), nil
}

func joinStrings(list []any) string {
	var parts []string
	for _, v := range list {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, ", ")
}

// representAliases maps the Represent API's field names to the canonical raw
// field names the normalizer reads. The object's API path doubles as the
// stable external id.
var representAliases = map[string]string{
	"url":            "external_id",
	"district_name":  "district",
	"elected_office": "role",
	"party_name":     "party",
	"personal_url":   "",
	"related":        "",
	"offices":        "office",
}

// legisinfoAliases maps LEGISinfo's bill export fields.
var legisinfoAliases = map[string]string{
	"NumberCode":                      "number",
	"LongTitleEn":                     "title",
	"ShortTitleEn":                    "summary",
	"LatestCompletedMajorStageNameEn": "status",
	"ParlSessionCode":                 "session",
	"SponsorPersonName":               "sponsors",
}

func represent(slug string) scraper.Factory {
	u := "https://represent.opennorth.ca/representatives/" + slug + "/?limit=100&format=json"
	return func() scraper.Extractor {
		return &listExtractor{url: u, kind: scraper.KindRepresentative, aliases: representAliases}
	}
}

// Builtin returns the extraction entry points shipped with the daemon, keyed
// by scraper id. A metadata.yaml naming an id outside this map is invalid.
func Builtin() map[string]scraper.Factory {
	return map[string]scraper.Factory{
		"ca-federal-representatives": represent("house-of-commons"),
		"ca-federal-bills": func() scraper.Extractor {
			return &listExtractor{
				url:     "https://www.parl.ca/legisinfo/en/bills/json",
				kind:    scraper.KindBill,
				aliases: legisinfoAliases,
			}
		},
		"ca-on-representatives":  represent("ontario-legislature"),
		"ca-qc-representatives":  represent("assemblee-nationale-du-quebec"),
		"ca-bc-representatives":  represent("bc-legislature"),
		"ca-ab-representatives":  represent("alberta-legislature"),
		"ca-toronto-council":     represent("toronto-city-council"),
		"ca-montreal-council":    represent("conseil-municipal-de-montreal"),
		"ca-vancouver-council":   represent("vancouver-city-council"),
		"ca-calgary-council":     represent("calgary-city-council"),
		"ca-ottawa-council":      represent("ottawa-city-council"),
		"ca-halifax-council":     represent("halifax-regional-council"),
	}
}
