package vulndb

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()

	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "vulndb.db"), filepath.Join(dir, "vulndb.index"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func loadedTestDB(t *testing.T, opts ...Option) (*DB, []Document) {
	t.Helper()

	db := openTestDB(t, opts...)
	_, err := db.Store(context.Background(), loadFixture(t))
	require.NoError(t, err)
	docs, err := db.ListAll(context.Background())
	require.NoError(t, err)
	return db, docs
}

func detailDocuments(docs []Document) []Document {
	return lo.Filter(docs, func(d Document, _ int) bool { return d.IsDetail() })
}

func occurrenceIDs(occurrences []VulnerabilityOccurrence) []string {
	return lo.Map(occurrences, func(o VulnerabilityOccurrence, _ int) string { return o.ID })
}

func TestLodashScenario(t *testing.T) {
	require := require.New(t)
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Store(ctx, []Vulnerability{{
		ID:       "CVE-2020-8203",
		Severity: SeverityHigh,
		Details: []VulnerabilityDetail{{
			CpeURI:             "cpe:2.3:a:lodash:lodash:4.17.15",
			Package:            "lodash",
			MinAffectedVersion: "0.0.0",
			MaxAffectedVersion: "4.17.15",
		}},
	}})
	require.NoError(err)

	occurrences, err := db.PkgSearch(ctx, "lodash", "4.17.15")
	require.NoError(err)
	require.Len(occurrences, 1)
	affected := occurrences[0].PackageIssue.AffectedLocation
	require.True(affected.IsSome())
	require.Equal("4.17.15", affected.Unwrap().Version)

	occurrences, err = db.PkgSearch(ctx, "lodash", "4.17.16")
	require.NoError(err)
	require.NotNil(occurrences)
	require.Empty(occurrences)
}

func TestFreshDBSearches(t *testing.T) {
	require := require.New(t)
	db := openTestDB(t)
	ctx := context.Background()

	docs, err := db.ListAll(ctx)
	require.NoError(err)
	require.Empty(docs)

	occurrences, err := db.PkgSearch(ctx, "lodash", "4.17.15")
	require.NoError(err)
	require.NotNil(occurrences)
	require.Empty(occurrences)

	occurrences, err = db.IndexSearch(ctx, "lodash", "4.17.15")
	require.NoError(err, "a never built index over an empty store is not stale")
	require.NotNil(occurrences)
	require.Empty(occurrences)

	occurrences, err = db.PkgBulkSearch(ctx, nil)
	require.NoError(err)
	require.NotNil(occurrences)
	require.Empty(occurrences)
}

func TestPkgSearchAcrossAdvisories(t *testing.T) {
	require := require.New(t)
	db, _ := loadedTestDB(t)

	occurrences, err := db.PkgSearch(context.Background(), "lodash", "4.17.15")
	require.NoError(err)
	require.ElementsMatch(
		[]string{"CVE-2020-8203", "GHSA-p6mc-m468-83gw", "CVE-2021-23337"},
		occurrenceIDs(occurrences),
	)
	for _, o := range occurrences {
		require.Equal("npm", o.Type)
		require.Equal("4.17.15", o.PackageIssue.AffectedLocation.Unwrap().Version)
	}

	occurrences, err = db.PkgSearch(context.Background(), "lodash", "4.17.21")
	require.NoError(err)
	require.Empty(occurrences)

	occurrences, err = db.PkgSearch(context.Background(), "lodash", "4.17.11")
	require.NoError(err)
	require.Contains(occurrenceIDs(occurrences), "CVE-2019-10744")
}

func TestEverythingStoredIsFindable(t *testing.T) {
	require := require.New(t)
	db, docs := loadedTestDB(t)
	ctx := context.Background()

	for _, doc := range docs {
		for _, detail := range doc.Vulnerability.Details {
			occurrences, err := db.PkgSearch(ctx, detail.Package, detail.MaxAffectedVersion)
			require.NoError(err)

			found, ok := lo.Find(occurrences, func(o VulnerabilityOccurrence) bool { return o.ID == doc.VulnID })
			require.True(ok, "%s (%s) not found by %s@%s", doc.DocID, doc.Kind, detail.Package, detail.MaxAffectedVersion)
			require.False(found.PackageIssue.IsEmpty())
		}
	}
}

func TestPkgBulkSearch(t *testing.T) {
	require := require.New(t)
	db, docs := loadedTestDB(t)
	ctx := context.Background()

	keys := lo.Map(detailDocuments(docs), func(d Document, _ int) string {
		return d.Package + "|" + d.MaxAffectedVersion
	})
	keys = append(keys, keys[0], "malformed", "|1.0.0")

	bulk, err := db.PkgBulkSearch(ctx, keys)
	require.NoError(err)
	require.GreaterOrEqual(len(bulk), len(lo.Uniq(keys))-2)
	require.Greater(len(bulk), len(lo.Uniq(keys)), "lodash versions hit several advisories")

	union := []VulnerabilityOccurrence{}
	for _, key := range lo.Uniq(keys) {
		q, ok := ParsePackageKey(key)
		if !ok {
			continue
		}
		occurrences, err := db.PkgSearch(ctx, q.Name, q.Version)
		require.NoError(err)
		union = append(union, occurrences...)
	}
	require.Equal(union, bulk)
}

func TestPkgBulkSearchExactlyOneEach(t *testing.T) {
	require := require.New(t)
	db, _ := loadedTestDB(t)

	keys := []string{"django|3.2.4", "spring-beans|5.3.17", "spring-beans|5.2.19"}
	bulk, err := db.PkgBulkSearch(context.Background(), keys)
	require.NoError(err)
	require.Len(bulk, len(keys))
}

func TestIndexSearchEqualsPkgSearch(t *testing.T) {
	require := require.New(t)
	db, docs := loadedTestDB(t)
	ctx := context.Background()

	for _, doc := range detailDocuments(docs) {
		for _, version := range []string{doc.MinAffectedVersion, doc.MaxAffectedVersion, "0.0.1", "99.0.0"} {
			want, err := db.PkgSearch(ctx, doc.Package, version)
			require.NoError(err)
			got, err := db.IndexSearch(ctx, doc.Package, version)
			require.NoError(err)
			require.Equal(want, got, "%s@%s", doc.Package, version)
		}
	}
}

func TestVendorSearchIsSubset(t *testing.T) {
	require := require.New(t)
	db, docs := loadedTestDB(t)
	ctx := context.Background()

	for _, doc := range detailDocuments(docs) {
		vendor := CPEVendor(doc.CpeURI)
		all, err := db.PkgSearch(ctx, doc.Package, doc.MaxAffectedVersion)
		require.NoError(err)
		scoped, err := db.VendorPkgSearch(ctx, vendor, doc.Package, doc.MaxAffectedVersion)
		require.NoError(err)
		require.NotEmpty(scoped)
		require.Subset(all, scoped)

		indexed, err := db.VendorIndexSearch(ctx, vendor, doc.Package, doc.MaxAffectedVersion)
		require.NoError(err)
		require.Equal(scoped, indexed)
	}

	scoped, err := db.VendorPkgSearch(ctx, "npm", "lodash", "4.17.15")
	require.NoError(err)
	require.Equal([]string{"GHSA-p6mc-m468-83gw"}, occurrenceIDs(scoped))

	scoped, err = db.VendorPkgSearch(ctx, "", "lodash", "4.17.15")
	require.NoError(err)
	require.NotNil(scoped)
	require.Empty(scoped)
}

func TestVendorSearchSkipsUndecomposableCPE(t *testing.T) {
	require := require.New(t)
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Store(ctx, []Vulnerability{{
		ID: "CVE-2021-44906",
		Details: []VulnerabilityDetail{{
			CpeURI:             "minimist 1.2.5",
			Package:            "minimist",
			MinAffectedVersion: "0.0.0",
			MaxAffectedVersion: "1.2.5",
			PackageType:        "npm",
		}},
	}})
	require.NoError(err)

	all, err := db.PkgSearch(ctx, "minimist", "1.2.0")
	require.NoError(err)
	require.Len(all, 1)

	scoped, err := db.VendorPkgSearch(ctx, "minimist", "minimist", "1.2.0")
	require.NoError(err)
	require.Empty(scoped)
}

func TestBulkIndexSearchTagsQueries(t *testing.T) {
	require := require.New(t)
	db, _ := loadedTestDB(t)

	matches, err := db.BulkIndexSearch(context.Background(), []PackageQuery{
		{Name: "lodash", Version: "4.17.15"},
		{Name: "django", Version: "3.2.4"},
		{Name: "django", Version: "3.2.4"},
		{Name: "left-pad", Version: "1.3.0"},
		{Name: "django"},
	})
	require.NoError(err)
	require.Len(matches, 4)

	byKey := lo.GroupBy(matches, func(m Match) string { return m.Key() })
	require.Len(byKey["lodash|4.17.15"], 3)
	require.Len(byKey["django|3.2.4"], 1)
	require.Equal("PYSEC-2021-98", byKey["django|3.2.4"][0].ID)
}

func TestStaleIndex(t *testing.T) {
	require := require.New(t)
	db, _ := loadedTestDB(t, WithAutoIndex(false))
	ctx := context.Background()

	status, err := db.IndexStatus(ctx)
	require.NoError(err)
	require.True(status.Stale())
	require.False(status.Built)

	_, err = db.IndexSearch(ctx, "lodash", "4.17.15")
	require.ErrorIs(err, ErrStaleIndex)

	occurrences, err := db.PkgSearch(ctx, "lodash", "4.17.15")
	require.NoError(err, "store searches do not depend on the index")
	require.Len(occurrences, 3)

	require.NoError(db.RebuildIndex(ctx))
	indexed, err := db.IndexSearch(ctx, "lodash", "4.17.15")
	require.NoError(err)
	require.Equal(occurrences, indexed)

	_, err = db.Store(ctx, loadFixture(t)[:1])
	require.NoError(err)
	_, err = db.IndexSearch(ctx, "lodash", "4.17.15")
	require.True(errors.Is(err, ErrStaleIndex))
}

func TestAutoIndexFollowsStore(t *testing.T) {
	require := require.New(t)
	db, _ := loadedTestDB(t)
	ctx := context.Background()

	status, err := db.IndexStatus(ctx)
	require.NoError(err)
	require.False(status.Stale())
	require.Equal(int64(1), status.Meta.Revision)

	_, err = db.Store(ctx, []Vulnerability{{
		ID:      "CVE-2021-44906",
		Details: []VulnerabilityDetail{{CpeURI: "cpe:2.3:a:substack:minimist:1.2.5", PackageType: "npm"}},
	}})
	require.NoError(err)

	occurrences, err := db.IndexSearch(ctx, "minimist", "1.2.5")
	require.NoError(err)
	require.Equal([]string{"CVE-2021-44906"}, occurrenceIDs(occurrences))
}

func TestDBStoreReportsRejected(t *testing.T) {
	require := require.New(t)
	db := openTestDB(t)

	vulns := append(loadFixture(t)[:1], Vulnerability{ID: "CVE-0000-0001"})
	ids, err := db.Store(context.Background(), vulns)

	var verrs ValidationErrors
	require.ErrorAs(err, &verrs)
	require.Len(verrs, 1)
	require.Len(ids, 2)

	occurrences, err := db.IndexSearch(context.Background(), "lodash", "4.17.15")
	require.NoError(err)
	require.Len(occurrences, 1)
}

func TestReingestedRangeReplacesOldOne(t *testing.T) {
	require := require.New(t)
	db := openTestDB(t)
	ctx := context.Background()
	vulns := loadFixture(t)

	_, err := db.Store(ctx, vulns[:1])
	require.NoError(err)

	narrowed := vulns[0]
	narrowed.Details = []VulnerabilityDetail{vulns[0].Details[0]}
	narrowed.Details[0].MaxAffectedVersion = "4.17.9"
	_, err = db.Store(ctx, []Vulnerability{narrowed})
	require.NoError(err)

	docs, err := db.ListAll(ctx)
	require.NoError(err)
	require.Len(docs, 2)

	status, err := db.IndexStatus(ctx)
	require.NoError(err)
	require.False(status.Stale())
	require.Equal(1, status.Meta.Documents)

	for _, search := range []func(context.Context, string, string) ([]VulnerabilityOccurrence, error){
		db.PkgSearch, db.IndexSearch,
	} {
		occurrences, err := search(ctx, "lodash", "4.17.12")
		require.NoError(err)
		require.Empty(occurrences)

		occurrences, err = search(ctx, "lodash", "4.17.5")
		require.NoError(err)
		require.Equal([]string{"CVE-2020-8203"}, occurrenceIDs(occurrences))
	}
}

func TestDBStoreKeepsRejectedWhenIndexFails(t *testing.T) {
	require := require.New(t)
	db := openTestDB(t)
	require.NoError(db.index.Close())

	vulns := append(loadFixture(t)[:1], Vulnerability{ID: "CVE-0000-0001"})
	ids, err := db.Store(context.Background(), vulns)
	require.Error(err)
	require.NotErrorIs(err, ErrStaleIndex)

	var verrs ValidationErrors
	require.ErrorAs(err, &verrs)
	require.Len(verrs, 1)
	require.Len(ids, 2)
}

func TestDBReset(t *testing.T) {
	require := require.New(t)
	db, docs := loadedTestDB(t)
	ctx := context.Background()

	count, err := db.Reset(ctx, false)
	require.NoError(err)
	require.Equal(int64(len(docs)), count)

	occurrences, err := db.IndexSearch(ctx, "lodash", "4.17.15")
	require.NoError(err)
	require.Empty(occurrences)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	db, _ := loadedTestDB(t)
	ctx := context.Background()
	vulns := loadFixture(t)

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := db.Store(ctx, vulns)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			want, err := db.PkgSearch(ctx, "lodash", "4.17.15")
			assert.NoError(t, err)
			assert.Len(t, want, 3)
			got, err := db.IndexSearch(ctx, "lodash", "4.17.15")
			assert.NoError(t, err)
			assert.Len(t, got, 3)
		}()
	}
	wg.Wait()
}
