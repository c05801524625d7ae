package vulndb

import (
	"fmt"
	"strings"
	"sync"

	aqversion "github.com/aquasecurity/go-version/pkg/version"
	hcversion "github.com/hashicorp/go-version"
	"golang.org/x/mod/semver"
)

// Comparer orders two versions of one ecosystem. It returns an error when
// either version cannot be parsed under its rules.
type Comparer interface {
	Compare(a, b string) (int, error)
}

type ComparerFunc func(a, b string) (int, error)

func (f ComparerFunc) Compare(a, b string) (int, error) {
	return f(a, b)
}

const (
	SchemeGeneric   = "generic"
	SchemeHashicorp = "hashicorp"
	SchemeGo        = "go"
	SchemeLexical   = "lexical"
)

// Schemes are the comparers that can be referred to by name, e.g. from the
// version_schemes config table.
var Schemes = map[string]Comparer{
	SchemeGeneric:   ComparerFunc(compareGeneric),
	SchemeHashicorp: ComparerFunc(compareHashicorp),
	SchemeGo:        ComparerFunc(compareGo),
	SchemeLexical:   ComparerFunc(compareLexical),
}

var defaultSchemes = map[string]string{
	"npm":      SchemeGeneric,
	"composer": SchemeHashicorp,
	"maven":    SchemeHashicorp,
	"nuget":    SchemeHashicorp,
	"pypi":     SchemeHashicorp,
	"rubygems": SchemeHashicorp,
	"golang":   SchemeGo,
}

func compareGeneric(a, b string) (int, error) {
	va, err := aqversion.Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := aqversion.Parse(b)
	if err != nil {
		return 0, err
	}
	switch {
	case va.LessThan(vb):
		return -1, nil
	case vb.LessThan(va):
		return 1, nil
	}
	return 0, nil
}

func compareHashicorp(a, b string) (int, error) {
	va, err := hcversion.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := hcversion.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

func compareGo(a, b string) (int, error) {
	a, b = goSemver(a), goSemver(b)
	if !semver.IsValid(a) {
		return 0, fmt.Errorf("invalid go version %q", a)
	}
	if !semver.IsValid(b) {
		return 0, fmt.Errorf("invalid go version %q", b)
	}
	return semver.Compare(a, b), nil
}

func goSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func compareLexical(a, b string) (int, error) {
	return strings.Compare(a, b), nil
}

// Matcher decides whether a version lies inside an affected range, using the
// ordering registered for the package type.
type Matcher struct {
	mu        sync.RWMutex
	comparers map[string]Comparer
	fallback  Comparer
}

// NewMatcher returns a Matcher with the default ordering per known package
// type. Unregistered types use the generic ordering.
func NewMatcher() *Matcher {
	m := &Matcher{
		comparers: map[string]Comparer{},
		fallback:  Schemes[SchemeGeneric],
	}
	for packageType, scheme := range defaultSchemes {
		m.comparers[packageType] = Schemes[scheme]
	}
	return m
}

// Register sets the ordering used for packageType.
func (m *Matcher) Register(packageType string, c Comparer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comparers[packageType] = c
}

// RegisterScheme sets the ordering for packageType by scheme name.
func (m *Matcher) RegisterScheme(packageType, scheme string) error {
	c, ok := Schemes[scheme]
	if !ok {
		return fmt.Errorf("unknown version scheme %q for %s", scheme, packageType)
	}
	m.Register(packageType, c)
	return nil
}

func (m *Matcher) comparer(packageType string) Comparer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.comparers[packageType]; ok {
		return c
	}
	return m.fallback
}

// Compare orders a and b for packageType, falling back to a plain string
// comparison when the ecosystem rules cannot parse them.
func (m *Matcher) Compare(packageType, a, b string) int {
	if a == b {
		return 0
	}
	n, err := m.comparer(packageType).Compare(a, b)
	if err != nil {
		return strings.Compare(a, b)
	}
	return n
}

func unbounded(v string) bool {
	return v == "" || v == "*" || v == "-"
}

// Matches reports whether minVersion <= version <= maxVersion. An absent
// bound does not constrain that side.
func (m *Matcher) Matches(packageType, version, minVersion, maxVersion string) bool {
	if version == "" {
		return false
	}
	if !unbounded(minVersion) && minVersion == maxVersion {
		return m.Compare(packageType, version, minVersion) == 0
	}
	if !unbounded(minVersion) && m.Compare(packageType, version, minVersion) < 0 {
		return false
	}
	if !unbounded(maxVersion) && m.Compare(packageType, version, maxVersion) > 0 {
		return false
	}
	return true
}
