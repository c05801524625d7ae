package vulndb

import (
	"regexp"

	"github.com/moznion/go-optional"
)

var cpeRegex = regexp.MustCompile(
	`^cpe:?:[^:]+:[^:]+:(?P<vendor>[^:]+):(?P<package>[^:]+):(?P<version>[^:]+)`,
)

var (
	cpeVendorGroup  = cpeRegex.SubexpIndex("vendor")
	cpePackageGroup = cpeRegex.SubexpIndex("package")
	cpeVersionGroup = cpeRegex.SubexpIndex("version")
)

// CPE is the (vendor, package, version) coordinate named by a CPE URI.
type CPE struct {
	Vendor  string
	Package string
	Version string
}

// ParseCPE decomposes a CPE URI of the form
// cpe:?:<part>:<part>:<vendor>:<package>:<version>. Anything else is
// optional.None.
func ParseCPE(uri string) optional.Option[CPE] {
	m := cpeRegex.FindStringSubmatch(uri)
	if m == nil {
		return optional.None[CPE]()
	}
	return optional.Some(CPE{
		Vendor:  m[cpeVendorGroup],
		Package: m[cpePackageGroup],
		Version: m[cpeVersionGroup],
	})
}

// CPEVendor is a shorthand for the vendor of uri, empty when uri does not
// decompose.
func CPEVendor(uri string) string {
	return optional.Map(ParseCPE(uri), func(c CPE) string { return c.Vendor }).TakeOr("")
}

// ReplaceCPE returns uri with its vendor, package and version components
// set to those of c. An undecomposable uri is returned unchanged.
func ReplaceCPE(uri string, c CPE) string {
	loc := cpeRegex.FindStringSubmatchIndex(uri)
	if loc == nil {
		return uri
	}
	vendorStart, versionEnd := loc[2*cpeVendorGroup], loc[2*cpeVersionGroup+1]
	return uri[:vendorStart] + c.Vendor + ":" + c.Package + ":" + c.Version + uri[versionEnd:]
}
