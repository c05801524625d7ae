package vulndb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCPE(t *testing.T) {
	require := require.New(t)

	parsed := ParseCPE("cpe:2.3:a:lodash:lodash:4.17.15")
	require.True(parsed.IsSome())
	cpe := parsed.Unwrap()
	require.Equal(CPE{Vendor: "lodash", Package: "lodash", Version: "4.17.15"}, cpe)
}

func TestParseCPEIgnoresTrailingComponents(t *testing.T) {
	require := require.New(t)

	parsed := ParseCPE("cpe:2.3:a:vmware:spring_framework:5.3.17:*:*:*:*:*:*:*")
	require.True(parsed.IsSome())
	cpe := parsed.Unwrap()
	require.Equal("vmware", cpe.Vendor)
	require.Equal("spring_framework", cpe.Package)
	require.Equal("5.3.17", cpe.Version)
}

func TestParseCPEDoubleColonPrefix(t *testing.T) {
	require := require.New(t)

	parsed := ParseCPE("cpe::2.3:a:npm:left-pad:1.3.0")
	require.True(parsed.IsSome())
	cpe := parsed.Unwrap()
	require.Equal("npm", cpe.Vendor)
	require.Equal("left-pad", cpe.Package)
}

func TestParseCPERejectsMalformed(t *testing.T) {
	require := require.New(t)

	for _, uri := range []string{
		"",
		"lodash",
		"cpe:2.3:a:lodash",
		"cpe:2.3:a:lodash:lodash",
		"cpe:2.3:a:lodash:lodash:",
		"xcpe:2.3:a:lodash:lodash:4.17.15",
	} {
		require.True(ParseCPE(uri).IsNone(), "expected %q not to decompose", uri)
	}
}

func TestCPEVendor(t *testing.T) {
	require := require.New(t)

	require.Equal("npm", CPEVendor("cpe:2.3:a:npm:lodash:4.17.18"))
	require.Equal("", CPEVendor("not a cpe"))
}

func TestReplaceCPE(t *testing.T) {
	require := require.New(t)

	uri := "cpe:2.3:a:vmware:spring_framework:5.3.17:*:*:*:*:*:*:*"
	replaced := ReplaceCPE(uri, CPE{Vendor: "pivotal", Package: "spring_framework", Version: "5.3.18"})
	require.Equal("cpe:2.3:a:pivotal:spring_framework:5.3.18:*:*:*:*:*:*:*", replaced)

	require.Equal("not a cpe", ReplaceCPE("not a cpe", CPE{Vendor: "x"}))
}
