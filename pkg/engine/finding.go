package engine

import "strings"

// Severity is the normalized severity reported by the analysis service
type Severity string

const (
	SevCritical Severity = "CRITICAL"
	SevHigh     Severity = "HIGH"
	SevMedium   Severity = "MEDIUM"
	SevLow      Severity = "LOW"
	SevInfo     Severity = "INFO"
)

// NormalizeSeverity maps free-form severities onto the known set. Unknown values become INFO.
func NormalizeSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SevCritical:
		return SevCritical
	case SevHigh:
		return SevHigh
	case SevMedium, "MODERATE":
		return SevMedium
	case SevLow:
		return SevLow
	default:
		return SevInfo
	}
}

// Finding is a single reported issue attached to a subject
type Finding struct {
	ID       string   `json:"id"`
	Title    string   `json:"title,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Package  string   `json:"package,omitempty"`
	FixedIn  string   `json:"fixed_in,omitempty"`
	URL      string   `json:"url,omitempty"`
}

// Subject is the resource findings are attached to (an image, a cloud resource, a manifest object)
type Subject struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Scheme     string `json:"scheme,omitempty"`
	AssetID    string `json:"asset_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

const defaultScheme = "subject"

// Key returns the identity used to match a subject across runs.
// Asset identifier wins, then resource identifier, then a scheme-qualified
// form of the declared ID.
func (s Subject) Key() string {
	if s.AssetID != "" {
		return s.AssetID
	}
	if s.ResourceID != "" {
		return s.ResourceID
	}
	scheme := s.Scheme
	if scheme == "" {
		scheme = defaultScheme
	}
	return scheme + "://" + s.ID
}

// SubjectFindings pairs a subject with the findings reported for it
type SubjectFindings struct {
	Subject  Subject   `json:"subject"`
	Findings []Finding `json:"findings"`
}

// FindingIDs returns the IDs of the findings in order
func (sf SubjectFindings) FindingIDs() []string {
	ids := make([]string, 0, len(sf.Findings))
	for _, f := range sf.Findings {
		ids = append(ids, f.ID)
	}
	return ids
}

// FindingSet is the ordered output of one successful job
type FindingSet []SubjectFindings

// NonEmpty drops subjects that carry no findings
func (fs FindingSet) NonEmpty() FindingSet {
	out := make(FindingSet, 0, len(fs))
	for _, sf := range fs {
		if len(sf.Findings) > 0 {
			out = append(out, sf)
		}
	}
	return out
}

// CountFindings returns the total number of findings across all subjects
func (fs FindingSet) CountFindings() int {
	n := 0
	for _, sf := range fs {
		n += len(sf.Findings)
	}
	return n
}
