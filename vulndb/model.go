package vulndb

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/moznion/go-optional"
)

// KnownPackageTypes are the application ecosystems details are normalised
// against.
var KnownPackageTypes = []string{"composer", "maven", "npm", "nuget", "pypi", "rubygems", "golang"}

// VulnerabilityLocation names a package at a version, as named by a CPE.
type VulnerabilityLocation struct {
	CpeURI  string `json:"cpe_uri"`
	Package string `json:"package"`
	Version string `json:"version"`
}

var _ json.Unmarshaler = (*VulnerabilityLocation)(nil)

// UnmarshalJSON accepts the object form as well as a bare string. A bare
// string is a reference (a CPE URI or a version) that is resolved against
// the owning detail by VulnerabilityDetail.Normalize.
func (l *VulnerabilityLocation) UnmarshalJSON(b []byte) error {
	var ref string
	if err := json.Unmarshal(b, &ref); err == nil {
		*l = VulnerabilityLocation{CpeURI: ref}
		return nil
	}
	type plain VulnerabilityLocation
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*l = VulnerabilityLocation(p)
	return nil
}

func (l VulnerabilityLocation) String() string {
	return l.Package + "@" + l.Version
}

// LocationFromCPE builds the location named by cpeURI. An empty or
// undecomposable URI has no location.
func LocationFromCPE(cpeURI string) optional.Option[VulnerabilityLocation] {
	return optional.Map(ParseCPE(cpeURI), func(c CPE) VulnerabilityLocation {
		return VulnerabilityLocation{CpeURI: cpeURI, Package: c.Package, Version: c.Version}
	})
}

// NewFixedLocation resolves ref, either a CPE URI or a plain version, into a
// location for the package named by cpeURI.
func NewFixedLocation(cpeURI, ref string) optional.Option[VulnerabilityLocation] {
	return optional.FlatMap(OptionalString(ref), func(ref string) optional.Option[VulnerabilityLocation] {
		return LocationFromCPE(ref).OrElse(func() optional.Option[VulnerabilityLocation] {
			return optional.Map(ParseCPE(cpeURI), func(c CPE) VulnerabilityLocation {
				return VulnerabilityLocation{CpeURI: cpeURI, Package: c.Package, Version: ref}
			})
		})
	})
}

// PackageIssue is one concrete package-level exposure.
type PackageIssue struct {
	AffectedLocation optional.Option[VulnerabilityLocation] `json:"affected_location"`
	FixedLocation    optional.Option[VulnerabilityLocation] `json:"fixed_location"`
}

func (p PackageIssue) IsEmpty() bool {
	return p.AffectedLocation.IsNone() && p.FixedLocation.IsNone()
}

func (p PackageIssue) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

type CvssV3 struct {
	BaseScore             float64 `json:"base_score"`
	ExploitabilityScore   float64 `json:"exploitability_score"`
	ImpactScore           float64 `json:"impact_score"`
	AttackVector          string  `json:"attack_vector"`
	AttackComplexity      string  `json:"attack_complexity"`
	PrivilegesRequired    string  `json:"privileges_required"`
	UserInteraction       string  `json:"user_interaction"`
	Scope                 string  `json:"scope"`
	ConfidentialityImpact string  `json:"confidentiality_impact"`
	IntegrityImpact       string  `json:"integrity_impact"`
	AvailabilityImpact    string  `json:"availability_impact"`
}

// VulnerabilityDetail is the package-scoped facet of an advisory.
type VulnerabilityDetail struct {
	CpeURI             string                                 `json:"cpe_uri"`
	Package            string                                 `json:"package"`
	MinAffectedVersion string                                 `json:"min_affected_version"`
	MaxAffectedVersion string                                 `json:"max_affected_version"`
	Severity           Severity                               `json:"severity"`
	Description        string                                 `json:"description"`
	FixedLocation      optional.Option[VulnerabilityLocation] `json:"fixed_location"`
	PackageType        string                                 `json:"package_type"`
	IsObsolete         bool                                   `json:"is_obsolete"`
	SourceUpdateTime   UpdateTime                             `json:"source_update_time"`
}

// Normalize fills the package and version bounds from the CPE where they
// were not supplied, resolves the fixed location and normalises the package
// type. Fields the CPE cannot provide stay empty.
func (d VulnerabilityDetail) Normalize() VulnerabilityDetail {
	cpe := ParseCPE(d.CpeURI)
	cpe.IfSome(func(c CPE) {
		if d.Package == "" {
			d.Package = c.Package
		}
		if d.MinAffectedVersion == "" {
			d.MinAffectedVersion = c.Version
		}
		if d.MaxAffectedVersion == "" {
			d.MaxAffectedVersion = c.Version
		}
	})
	d.PackageType = normalizePackageType(d.PackageType, cpe)
	d.FixedLocation = optional.FlatMap(d.FixedLocation, func(l VulnerabilityLocation) optional.Option[VulnerabilityLocation] {
		if l.Package != "" {
			return optional.Some(l)
		}
		return NewFixedLocation(d.CpeURI, l.CpeURI)
	})
	return d
}

func normalizePackageType(packageType string, cpe optional.Option[CPE]) string {
	folded := strings.ToLower(strings.TrimSpace(packageType))
	for _, known := range KnownPackageTypes {
		if folded == known {
			return known
		}
	}
	if packageType != "" {
		return packageType
	}
	return optional.Map(cpe, func(c CPE) string { return c.Vendor }).TakeOr("")
}

// Matchable reports whether the detail names a package and can take part in
// version matching. Other details are kept for display only.
func (d VulnerabilityDetail) Matchable() bool {
	return d.Package != ""
}

func (d VulnerabilityDetail) Vendor() string {
	return CPEVendor(d.CpeURI)
}

// Vulnerability is one advisory with all of its package-level details.
type Vulnerability struct {
	ID               string                  `json:"id"`
	ProblemType      string                  `json:"problem_type"`
	Score            float64                 `json:"score"`
	Severity         Severity                `json:"severity"`
	Description      string                  `json:"description"`
	RelatedURLs      []string                `json:"related_urls"`
	Details          []VulnerabilityDetail   `json:"details"`
	CvssV3           optional.Option[CvssV3] `json:"cvss_v3"`
	SourceUpdateTime UpdateTime              `json:"source_update_time"`
}

// CvssScore is the advisory score, or the CVSS v3 base score when the feed
// gave no score of its own.
func (v Vulnerability) CvssScore() float64 {
	if v.Score != 0 {
		return v.Score
	}
	return optional.Map(v.CvssV3, func(c CvssV3) float64 { return c.BaseScore }).TakeOr(0)
}

// VulnerabilityOccurrence is the display-ready result of one matched
// (advisory, package, version). It is never persisted.
type VulnerabilityOccurrence struct {
	ID                string       `json:"id"`
	ProblemType       string       `json:"problem_type"`
	Type              string       `json:"type"`
	Severity          Severity     `json:"severity"`
	CvssScore         float64      `json:"cvss_score"`
	PackageIssue      PackageIssue `json:"package_issue"`
	ShortDescription  string       `json:"short_description"`
	LongDescription   string       `json:"long_description"`
	RelatedURLs       []string     `json:"related_urls"`
	EffectiveSeverity Severity     `json:"effective_severity"`
}

// NewOccurrence projects the detail d of v, matched at version, into an
// occurrence.
func NewOccurrence(v Vulnerability, d VulnerabilityDetail, version string) VulnerabilityOccurrence {
	issue := PackageIssue{FixedLocation: d.FixedLocation}
	if d.Matchable() {
		issue.AffectedLocation = optional.Some(VulnerabilityLocation{
			CpeURI:  d.CpeURI,
			Package: d.Package,
			Version: version,
		})
	}

	severity := v.Severity
	if severity == SeverityUnspecified {
		severity = d.Severity
	}
	effective := d.Severity
	if effective == SeverityUnspecified {
		effective = severity
	}

	short := OptionalString(d.Description).TakeOrElse(func() string {
		line, _, _ := strings.Cut(v.Description, "\n")
		return line
	})

	urls := make([]string, len(v.RelatedURLs))
	copy(urls, v.RelatedURLs)

	return VulnerabilityOccurrence{
		ID:                v.ID,
		ProblemType:       v.ProblemType,
		Type:              d.PackageType,
		Severity:          severity,
		CvssScore:         v.CvssScore(),
		PackageIssue:      issue,
		ShortDescription:  short,
		LongDescription:   v.Description,
		RelatedURLs:       urls,
		EffectiveSeverity: effective,
	}
}

// Flatten renders the occurrence as a flat mapping of strings. Nested
// values are JSON encoded.
func (o VulnerabilityOccurrence) Flatten() map[string]string {
	urls, _ := json.Marshal(o.RelatedURLs)
	return map[string]string{
		"id":                 o.ID,
		"problem_type":       o.ProblemType,
		"type":               o.Type,
		"severity":           o.Severity.String(),
		"cvss_score":         strconv.FormatFloat(o.CvssScore, 'f', -1, 64),
		"package_issue":      o.PackageIssue.String(),
		"short_description":  o.ShortDescription,
		"long_description":   o.LongDescription,
		"related_urls":       string(urls),
		"effective_severity": o.EffectiveSeverity.String(),
	}
}
