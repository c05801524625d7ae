package vulndb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/timshannon/bolthold"
	bolt "go.etcd.io/bbolt"
)

const indexMetaKey = "meta"

// IndexRef points from an index key to one detail document, carrying the
// range needed to match it without loading the document.
type IndexRef struct {
	DocID              string
	PackageType        string
	MinAffectedVersion string
	MaxAffectedVersion string
}

// IndexEntry groups the references of one key: a package name, or
// vendor|package.
type IndexEntry struct {
	Name string
	Refs []IndexRef
}

// IndexMeta identifies the store revision an index was built from.
type IndexMeta struct {
	Revision  int64
	BuiltAt   time.Time
	Documents int
	Keys      int
}

// Index is the secondary index, a bolt file separate from the document
// store.
type Index struct {
	store *bolthold.Store
}

// OpenIndex opens the index file at path, creating an empty one when
// missing.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create index directory: %w", err)
	}
	store, err := bolthold.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open index %s: %w", path, err)
	}
	return &Index{store: store}, nil
}

func (i *Index) Close() error {
	return i.store.Close()
}

func vendorKey(vendor, pkg string) string {
	return vendor + "|" + pkg
}

func refFor(doc Document) IndexRef {
	return IndexRef{
		DocID:              doc.DocID,
		PackageType:        doc.PackageType,
		MinAffectedVersion: doc.MinAffectedVersion,
		MaxAffectedVersion: doc.MaxAffectedVersion,
	}
}

// indexKeys lists the keys doc is reachable under.
func indexKeys(doc Document) []string {
	if !doc.IsDetail() || doc.Package == "" {
		return nil
	}
	keys := []string{doc.Package}
	if doc.Vendor != "" {
		keys = append(keys, vendorKey(doc.Vendor, doc.Package))
	}
	return keys
}

func sortRefs(refs []IndexRef) {
	sort.Slice(refs, func(a, b int) bool { return refs[a].DocID < refs[b].DocID })
}

// Build replaces the whole index with one built from docs, which must be
// the complete content of the store at revision.
func (i *Index) Build(docs []Document, revision int64) error {
	entries := map[string]*IndexEntry{}
	indexed := 0
	for _, doc := range docs {
		keys := indexKeys(doc)
		if len(keys) == 0 {
			continue
		}
		indexed++
		for _, key := range keys {
			entry, ok := entries[key]
			if !ok {
				entry = &IndexEntry{Name: key}
				entries[key] = entry
			}
			entry.Refs = append(entry.Refs, refFor(doc))
		}
	}

	err := i.store.Bolt().Update(func(tx *bolt.Tx) error {
		err := i.store.TxDeleteMatching(tx, &IndexEntry{}, bolthold.Where("Name").Ne(""))
		if err != nil {
			return fmt.Errorf("could not clear index: %w", err)
		}
		for key, entry := range entries {
			sortRefs(entry.Refs)
			if err := i.store.TxUpsert(tx, key, entry); err != nil {
				return fmt.Errorf("could not write index entry %s: %w", key, err)
			}
		}
		return i.store.TxUpsert(tx, indexMetaKey, &IndexMeta{
			Revision:  revision,
			BuiltAt:   time.Now().UTC(),
			Documents: indexed,
			Keys:      len(entries),
		})
	})
	if err != nil {
		return fmt.Errorf("could not build index: %w", err)
	}
	return nil
}

// Add merges docs, written by the store mutation that moved the store from
// prevRevision to revision, into the index. It does nothing and returns
// false when the index is not at prevRevision; the caller has to Build.
func (i *Index) Add(docs []Document, prevRevision, revision int64) (applied bool, err error) {
	err = i.store.Bolt().Update(func(tx *bolt.Tx) error {
		var meta IndexMeta
		err := i.store.TxGet(tx, indexMetaKey, &meta)
		if err != nil && !errors.Is(err, bolthold.ErrNotFound) {
			return fmt.Errorf("could not read index meta: %w", err)
		}
		if meta.Revision != prevRevision {
			return nil
		}

		grouped := map[string][]IndexRef{}
		packageKeys := map[string]bool{}
		for _, doc := range docs {
			for _, key := range indexKeys(doc) {
				grouped[key] = append(grouped[key], refFor(doc))
			}
			packageKeys[doc.Package] = true
		}

		for key, refs := range grouped {
			entry := IndexEntry{Name: key}
			err := i.store.TxGet(tx, key, &entry)
			if err != nil && !errors.Is(err, bolthold.ErrNotFound) {
				return fmt.Errorf("could not read index entry %s: %w", key, err)
			}
			if errors.Is(err, bolthold.ErrNotFound) {
				meta.Keys++
			}
			positions := map[string]int{}
			for n, ref := range entry.Refs {
				positions[ref.DocID] = n
			}
			for _, ref := range refs {
				if n, ok := positions[ref.DocID]; ok {
					entry.Refs[n] = ref
					continue
				}
				if packageKeys[key] {
					meta.Documents++
				}
				positions[ref.DocID] = len(entry.Refs)
				entry.Refs = append(entry.Refs, ref)
			}
			sortRefs(entry.Refs)
			if err := i.store.TxUpsert(tx, key, &entry); err != nil {
				return fmt.Errorf("could not write index entry %s: %w", key, err)
			}
		}

		meta.Revision = revision
		meta.BuiltAt = time.Now().UTC()
		applied = true
		return i.store.TxUpsert(tx, indexMetaKey, &meta)
	})
	if err != nil {
		return false, fmt.Errorf("could not update index: %w", err)
	}
	return applied, nil
}

// Lookup returns the references stored under key ordered by document id.
func (i *Index) Lookup(key string) ([]IndexRef, error) {
	var entry IndexEntry
	err := i.store.Get(key, &entry)
	if errors.Is(err, bolthold.ErrNotFound) {
		return []IndexRef{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read index entry %s: %w", key, err)
	}
	return entry.Refs, nil
}

// Meta returns the build information, false when the index was never built.
func (i *Index) Meta() (IndexMeta, bool, error) {
	var meta IndexMeta
	err := i.store.Get(indexMetaKey, &meta)
	if errors.Is(err, bolthold.ErrNotFound) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("could not read index meta: %w", err)
	}
	return meta, true, nil
}
