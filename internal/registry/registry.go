// Package registry discovers scrapers by convention on disk and describes
// them. One directory per scraper under the configured root; a directory is a
// valid scraper iff it contains a metadata.yaml declaring at least id,
// jurisdiction, and category, and the id is bound to a registered extractor
// factory. Invalid directories are excluded and surface as data quality
// issues, not errors.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/scraper"
)

// MetadataFile is the canonical per-scraper descriptor filename.
const MetadataFile = "metadata.yaml"

// defaultTimeoutSeconds applies when a descriptor omits timeout_seconds.
const defaultTimeoutSeconds = 300

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Registry holds the validated scraper descriptors and their factories.
type Registry struct {
	descriptors map[string]domain.ScraperDescriptor
	factories   map[string]scraper.Factory
	ordered     []domain.ScraperDescriptor
}

// Load scans root for scraper directories, validates each against the
// registered factories, and returns the registry plus one issue per invalid
// directory. Returns domain.ErrRegistryEmpty when no valid scraper is found.
func Load(root string, factories map[string]scraper.Factory) (*Registry, []domain.DataQualityIssue, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read scrapers root %s: %w", root, err)
	}

	r := &Registry{
		descriptors: make(map[string]domain.ScraperDescriptor),
		factories:   make(map[string]scraper.Factory),
	}
	var issues []domain.DataQualityIssue

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		desc, err := loadDescriptor(dir, factories)
		if err != nil {
			issues = append(issues, invalidDirIssue(entry.Name(), err))
			continue
		}
		r.descriptors[desc.ID] = desc
		r.factories[desc.ID] = factories[desc.ID]
	}

	if len(r.descriptors) == 0 {
		return nil, issues, fmt.Errorf("scanning %s: %w", root, domain.ErrRegistryEmpty)
	}

	r.ordered = make([]domain.ScraperDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		r.ordered = append(r.ordered, d)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		a, b := r.ordered[i], r.ordered[j]
		if ra, rb := domain.CategoryRank(a.Category), domain.CategoryRank(b.Category); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})

	return r, issues, nil
}

// List returns descriptors ordered by (category rank, id).
func (r *Registry) List() []domain.ScraperDescriptor {
	out := make([]domain.ScraperDescriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get returns the descriptor for id, or nil when unknown.
func (r *Registry) Get(id string) *domain.ScraperDescriptor {
	d, ok := r.descriptors[id]
	if !ok {
		return nil
	}
	return &d
}

// Factory returns the extractor factory for id, or nil when unknown.
func (r *Registry) Factory(id string) scraper.Factory {
	return r.factories[id]
}

// loadDescriptor parses and validates one scraper directory.
func loadDescriptor(dir string, factories map[string]scraper.Factory) (domain.ScraperDescriptor, error) {
	var desc domain.ScraperDescriptor

	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return desc, fmt.Errorf("missing %s: %w", MetadataFile, err)
	}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}

	if desc.ID == "" {
		return desc, fmt.Errorf("metadata missing id")
	}
	if desc.Jurisdiction == "" {
		return desc, fmt.Errorf("scraper %s: metadata missing jurisdiction", desc.ID)
	}
	if !domain.ValidCategory(string(desc.Category)) {
		return desc, fmt.Errorf("scraper %s: invalid category %q", desc.ID, desc.Category)
	}
	if !domain.ValidJurisdictionKind(string(desc.Kind)) {
		return desc, fmt.Errorf("scraper %s: invalid jurisdiction kind %q", desc.ID, desc.Kind)
	}
	if desc.Size != "" && !domain.ValidSizeClass(string(desc.Size)) {
		return desc, fmt.Errorf("scraper %s: invalid size %q", desc.ID, desc.Size)
	}
	if desc.Cron != "" {
		if _, err := cronParser.Parse(desc.Cron); err != nil {
			return desc, fmt.Errorf("scraper %s: invalid cron %q: %w", desc.ID, desc.Cron, err)
		}
	}
	if desc.TimeoutSeconds <= 0 {
		desc.TimeoutSeconds = defaultTimeoutSeconds
	}
	if desc.MaxRecords < 0 {
		return desc, fmt.Errorf("scraper %s: max_records must be >= 0, got %d", desc.ID, desc.MaxRecords)
	}
	if _, ok := factories[desc.ID]; !ok {
		// The metadata file names an id with no extraction entry point.
		return desc, fmt.Errorf("scraper %s: no extractor registered", desc.ID)
	}
	return desc, nil
}

func invalidDirIssue(dir string, err error) domain.DataQualityIssue {
	ref := "scraper_dir:" + dir
	return domain.DataQualityIssue{
		Severity:    domain.SeverityError,
		Kind:        domain.IssueMissingRequiredField,
		Description: fmt.Sprintf("invalid scraper directory %s: %v", dir, err),
		EntityRef:   &ref,
		DetectedAt:  time.Now().UTC(),
	}
}
