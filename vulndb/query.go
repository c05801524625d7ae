package vulndb

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/lo"
)

// PackageQuery asks whether Name at Version is affected. Vendor, when set,
// restricts the index lookup to that CPE vendor.
type PackageQuery struct {
	Vendor  string `json:"vendor,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Key is the name|version composite used to tag bulk results.
func (q PackageQuery) Key() string {
	return q.Name + "|" + q.Version
}

func (q PackageQuery) indexKey() string {
	if q.Vendor != "" {
		return vendorKey(q.Vendor, q.Name)
	}
	return q.Name
}

// ParsePackageKey splits a name|version key.
func ParsePackageKey(key string) (PackageQuery, bool) {
	name, version, ok := strings.Cut(key, "|")
	if !ok || name == "" || version == "" {
		return PackageQuery{}, false
	}
	return PackageQuery{Name: name, Version: version}, true
}

// Match is an occurrence found by a bulk index search, tagged with the query
// that produced it.
type Match struct {
	Query PackageQuery `json:"query"`
	VulnerabilityOccurrence
}

func (m Match) Key() string {
	return m.Query.Key()
}

// Occurrences strips the query tags from matches.
func Occurrences(matches []Match) []VulnerabilityOccurrence {
	return lo.Map(matches, func(m Match, _ int) VulnerabilityOccurrence {
		return m.VulnerabilityOccurrence
	})
}

// matchDocuments keeps the documents whose range contains version and, when
// vendor is set, whose CPE decomposes to that vendor.
func (db *DB) matchDocuments(docs []Document, vendor, version string) []VulnerabilityOccurrence {
	occurrences := []VulnerabilityOccurrence{}
	for _, doc := range docs {
		if vendor != "" {
			docVendor := CPEVendor(doc.CpeURI)
			if docVendor == "" || docVendor != vendor {
				continue
			}
		}
		if !db.matcher.Matches(doc.PackageType, version, doc.MinAffectedVersion, doc.MaxAffectedVersion) {
			continue
		}
		doc.Occurrence(version).IfSome(func(o VulnerabilityOccurrence) {
			occurrences = append(occurrences, o)
		})
	}
	return occurrences
}

// PkgSearch scans the document store for the details of pkg affecting
// version. It does not depend on the index.
func (db *DB) PkgSearch(ctx context.Context, pkg, version string) ([]VulnerabilityOccurrence, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	docs, err := db.store.Candidates(ctx, []string{pkg})
	if err != nil {
		return nil, err
	}
	return db.matchDocuments(docs, "", version), nil
}

// VendorPkgSearch is PkgSearch restricted to details whose CPE vendor is
// vendor. Details with an undecomposable CPE never match.
func (db *DB) VendorPkgSearch(ctx context.Context, vendor, pkg, version string) ([]VulnerabilityOccurrence, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if vendor == "" {
		return []VulnerabilityOccurrence{}, nil
	}
	docs, err := db.store.Candidates(ctx, []string{pkg})
	if err != nil {
		return nil, err
	}
	return db.matchDocuments(docs, vendor, version), nil
}

// PkgBulkSearch answers many name|version keys with one store query per
// chunk of distinct packages. The result equals the concatenation of
// PkgSearch over the distinct keys in input order. Malformed keys are
// skipped.
func (db *DB) PkgBulkSearch(ctx context.Context, keys []string) ([]VulnerabilityOccurrence, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	queries := make([]PackageQuery, 0, len(keys))
	for _, key := range lo.Uniq(keys) {
		q, ok := ParsePackageKey(key)
		if !ok {
			slog.Warn("skipping malformed search key", "key", key)
			continue
		}
		queries = append(queries, q)
	}

	packages := lo.Map(queries, func(q PackageQuery, _ int) string { return q.Name })
	docs, err := db.store.Candidates(ctx, packages)
	if err != nil {
		return nil, err
	}
	byPackage := lo.GroupBy(docs, func(d Document) string { return d.Package })

	occurrences := []VulnerabilityOccurrence{}
	for _, q := range queries {
		occurrences = append(occurrences, db.matchDocuments(byPackage[q.Name], "", q.Version)...)
	}
	return occurrences, nil
}

// IndexSearch is the index-backed equivalent of PkgSearch.
func (db *DB) IndexSearch(ctx context.Context, name, version string) ([]VulnerabilityOccurrence, error) {
	matches, err := db.BulkIndexSearch(ctx, []PackageQuery{{Name: name, Version: version}})
	if err != nil {
		return nil, err
	}
	return Occurrences(matches), nil
}

// VendorIndexSearch is the index-backed equivalent of VendorPkgSearch.
func (db *DB) VendorIndexSearch(ctx context.Context, vendor, name, version string) ([]VulnerabilityOccurrence, error) {
	if vendor == "" {
		return []VulnerabilityOccurrence{}, nil
	}
	matches, err := db.BulkIndexSearch(ctx, []PackageQuery{{Vendor: vendor, Name: name, Version: version}})
	if err != nil {
		return nil, err
	}
	return Occurrences(matches), nil
}

// BulkIndexSearch answers many queries through the index: one index lookup
// per distinct key, then one store read for the matched documents. It fails
// with ErrStaleIndex when the index misses store mutations.
func (db *DB) BulkIndexSearch(ctx context.Context, queries []PackageQuery) ([]Match, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.checkIndex(ctx); err != nil {
		return nil, err
	}

	queries = lo.Filter(lo.Uniq(queries), func(q PackageQuery, _ int) bool {
		return q.Name != "" && q.Version != ""
	})

	refsByKey := map[string][]IndexRef{}
	for _, key := range lo.Uniq(lo.Map(queries, func(q PackageQuery, _ int) string { return q.indexKey() })) {
		refs, err := db.index.Lookup(key)
		if err != nil {
			return nil, err
		}
		refsByKey[key] = refs
	}

	matched := make([][]IndexRef, len(queries))
	ids := []string{}
	for n, q := range queries {
		for _, ref := range refsByKey[q.indexKey()] {
			if db.matcher.Matches(ref.PackageType, q.Version, ref.MinAffectedVersion, ref.MaxAffectedVersion) {
				matched[n] = append(matched[n], ref)
				ids = append(ids, ref.DocID)
			}
		}
	}

	docs, err := db.store.Documents(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(docs, func(d Document) string { return d.DocID })

	matches := []Match{}
	for n, q := range queries {
		for _, ref := range matched[n] {
			doc, ok := byID[ref.DocID]
			if !ok {
				slog.Warn("index refers to missing document", "doc_id", ref.DocID, "key", q.indexKey())
				continue
			}
			doc.Occurrence(q.Version).IfSome(func(o VulnerabilityOccurrence) {
				matches = append(matches, Match{Query: q, VulnerabilityOccurrence: o})
			})
		}
	}
	return matches, nil
}
