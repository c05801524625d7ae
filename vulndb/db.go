package vulndb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DB ties the document store, the secondary index and the version matcher
// together. Store, Reset and RebuildIndex are serialised; every read holds
// the read lock for its whole duration, so it observes the state before or
// after a mutation, never a mix.
//
// The two files must not be shared with another process without external
// locking.
type DB struct {
	mu        sync.RWMutex
	store     *Store
	index     *Index
	matcher   *Matcher
	autoIndex bool
}

type Option func(*DB)

// WithMatcher replaces the default version matcher.
func WithMatcher(m *Matcher) Option {
	return func(db *DB) {
		db.matcher = m
	}
}

// WithAutoIndex controls whether Store and Reset keep the index up to date.
// It is on by default. With it off, index searches fail with ErrStaleIndex
// until RebuildIndex is called.
func WithAutoIndex(enabled bool) Option {
	return func(db *DB) {
		db.autoIndex = enabled
	}
}

// Open opens or creates the document store at dbPath and the index at
// indexPath.
func Open(dbPath, indexPath string, opts ...Option) (*DB, error) {
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(indexPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	db := &DB{
		store:     store,
		index:     index,
		matcher:   NewMatcher(),
		autoIndex: true,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return errors.Join(db.index.Close(), db.store.Close())
}

func (db *DB) Matcher() *Matcher {
	return db.matcher
}

// Store persists vulns and returns the ids of the documents written. When
// some records were rejected the error is a ValidationErrors and the ids of
// the accepted records are still returned. The ids are nil only when nothing
// was committed; an index failure after the commit is joined with the
// rejections.
func (db *DB) Store(ctx context.Context, vulns []Vulnerability) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	prev, err := db.store.Revision(ctx)
	if err != nil {
		return nil, err
	}
	result, err := db.store.Store(ctx, vulns)
	if err != nil {
		return nil, err
	}
	ids := result.IDs()

	if db.autoIndex && len(result.Documents) > 0 {
		if err := db.followStore(ctx, result, prev); err != nil {
			if len(result.Rejected) > 0 {
				return ids, errors.Join(err, result.Rejected)
			}
			return ids, err
		}
	}

	if len(result.Rejected) > 0 {
		return ids, result.Rejected
	}
	return ids, nil
}

// followStore brings the index to the revision of result. Removed documents
// cannot be merged, they force a rebuild.
func (db *DB) followStore(ctx context.Context, result StoreResult, prev int64) error {
	if len(result.Removed) > 0 {
		slog.Info("documents removed, rebuilding index", "removed", len(result.Removed), "revision", result.Revision)
		return db.rebuildIndex(ctx)
	}
	applied, err := db.index.Add(result.Documents, prev, result.Revision)
	if err != nil {
		return err
	}
	if !applied {
		slog.Info("index behind store, rebuilding", "revision", result.Revision)
		return db.rebuildIndex(ctx)
	}
	return nil
}

// ListAll returns every stored document.
func (db *DB) ListAll(ctx context.Context) ([]Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.store.ListAll(ctx)
}

// Reset removes every document, see Store.Reset.
func (db *DB) Reset(ctx context.Context, dryRun bool) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	count, err := db.store.Reset(ctx, dryRun)
	if err != nil || dryRun {
		return count, err
	}
	if db.autoIndex {
		return count, db.rebuildIndex(ctx)
	}
	return count, nil
}

// RebuildIndex rebuilds the secondary index from the whole store.
func (db *DB) RebuildIndex(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rebuildIndex(ctx)
}

func (db *DB) rebuildIndex(ctx context.Context) error {
	revision, err := db.store.Revision(ctx)
	if err != nil {
		return err
	}
	docs, err := db.store.ListAll(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := db.index.Build(docs, revision); err != nil {
		return err
	}
	slog.Info("rebuilt index", "documents", len(docs), "revision", revision, "took", time.Since(start))
	return nil
}

// IndexStatus reports the index build information against the store.
type IndexStatus struct {
	StoreRevision int64
	Built         bool
	Meta          IndexMeta
}

// Stale reports whether the index misses store mutations. A never built
// index over an empty store is not stale.
func (s IndexStatus) Stale() bool {
	if !s.Built {
		return s.StoreRevision > 0
	}
	return s.Meta.Revision != s.StoreRevision
}

func (db *DB) IndexStatus(ctx context.Context) (IndexStatus, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.indexStatus(ctx)
}

func (db *DB) indexStatus(ctx context.Context) (IndexStatus, error) {
	revision, err := db.store.Revision(ctx)
	if err != nil {
		return IndexStatus{}, err
	}
	meta, built, err := db.index.Meta()
	if err != nil {
		return IndexStatus{}, err
	}
	return IndexStatus{StoreRevision: revision, Built: built, Meta: meta}, nil
}

// checkIndex must be called with the read lock held.
func (db *DB) checkIndex(ctx context.Context) error {
	status, err := db.indexStatus(ctx)
	if err != nil {
		return err
	}
	if status.Stale() {
		return fmt.Errorf("%w: built at revision %d, store at revision %d",
			ErrStaleIndex, status.Meta.Revision, status.StoreRevision)
	}
	return nil
}
