package vulndb

import (
	"path/filepath"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()

	index, err := OpenIndex(filepath.Join(t.TempDir(), "vulndb.index"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	return index
}

func fixtureDocuments(t *testing.T, revision int64) []Document {
	t.Helper()

	docs := []Document{}
	for _, v := range loadFixture(t) {
		docs = append(docs, fanOut(v, revision)...)
	}
	return docs
}

func refIDs(refs []IndexRef) []string {
	return lo.Map(refs, func(r IndexRef, _ int) string { return r.DocID })
}

func TestFreshIndexHasNoMeta(t *testing.T) {
	require := require.New(t)
	index := openTestIndex(t)

	_, built, err := index.Meta()
	require.NoError(err)
	require.False(built)

	refs, err := index.Lookup("lodash")
	require.NoError(err)
	require.NotNil(refs)
	require.Empty(refs)
}

func TestIndexBuild(t *testing.T) {
	require := require.New(t)
	index := openTestIndex(t)
	docs := fixtureDocuments(t, 3)

	require.NoError(index.Build(docs, 3))

	meta, built, err := index.Meta()
	require.NoError(err)
	require.True(built)
	require.Equal(int64(3), meta.Revision)
	require.Equal(9, meta.Documents)
	require.Equal(11, meta.Keys)
	require.False(meta.BuiltAt.IsZero())

	refs, err := index.Lookup("lodash")
	require.NoError(err)
	require.Len(refs, 4)
	require.True(lo.IsSortedByKey(refs, func(r IndexRef) string { return r.DocID }))

	refs, err = index.Lookup(vendorKey("lodash", "lodash"))
	require.NoError(err)
	require.Len(refs, 3)

	refs, err = index.Lookup(vendorKey("npm", "lodash"))
	require.NoError(err)
	require.Len(refs, 1)
	require.Equal("4.0.0", refs[0].MinAffectedVersion)
	require.Equal("4.17.18", refs[0].MaxAffectedVersion)
	require.Equal("npm", refs[0].PackageType)
}

func TestIndexBuildReplacesContent(t *testing.T) {
	require := require.New(t)
	index := openTestIndex(t)

	require.NoError(index.Build(fixtureDocuments(t, 1), 1))
	require.NoError(index.Build([]Document{}, 2))

	refs, err := index.Lookup("lodash")
	require.NoError(err)
	require.Empty(refs)

	meta, _, err := index.Meta()
	require.NoError(err)
	require.Equal(int64(2), meta.Revision)
	require.Zero(meta.Keys)
}

func TestIndexAddMatchesBuild(t *testing.T) {
	require := require.New(t)
	docs := fixtureDocuments(t, 1)

	built := openTestIndex(t)
	require.NoError(built.Build(docs, 1))

	added := openTestIndex(t)
	require.NoError(added.Build([]Document{}, 0))
	applied, err := added.Add(docs[:6], 0, 1)
	require.NoError(err)
	require.True(applied)
	applied, err = added.Add(docs[6:], 1, 2)
	require.NoError(err)
	require.True(applied)

	for _, key := range []string{"lodash", "lodash.merge", "spring-beans", vendorKey("npm", "lodash")} {
		want, err := built.Lookup(key)
		require.NoError(err)
		got, err := added.Lookup(key)
		require.NoError(err)
		require.Equal(want, got, key)
	}

	wantMeta, _, err := built.Meta()
	require.NoError(err)
	gotMeta, _, err := added.Meta()
	require.NoError(err)
	require.Equal(int64(2), gotMeta.Revision)
	require.Equal(wantMeta.Documents, gotMeta.Documents)
	require.Equal(wantMeta.Keys, gotMeta.Keys)
}

func TestIndexAddReplacesExistingRefs(t *testing.T) {
	require := require.New(t)
	index := openTestIndex(t)
	docs := fixtureDocuments(t, 1)

	require.NoError(index.Build(docs, 1))
	applied, err := index.Add(docs, 1, 2)
	require.NoError(err)
	require.True(applied)

	refs, err := index.Lookup("lodash")
	require.NoError(err)
	require.Len(refs, 4)
	require.Equal(refIDs(refs), lo.Uniq(refIDs(refs)))

	meta, _, err := index.Meta()
	require.NoError(err)
	require.Equal(9, meta.Documents)
}

func TestIndexAddRefusesWhenBehind(t *testing.T) {
	require := require.New(t)
	index := openTestIndex(t)

	require.NoError(index.Build(fixtureDocuments(t, 1), 1))
	applied, err := index.Add(fixtureDocuments(t, 3), 2, 3)
	require.NoError(err)
	require.False(applied)

	meta, _, err := index.Meta()
	require.NoError(err)
	require.Equal(int64(1), meta.Revision)
}
