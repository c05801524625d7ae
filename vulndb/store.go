package vulndb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	storeStateID = 1
	// sqlite caps bound parameters, keep IN lists and batches below that.
	queryChunkSize = 500
	storeBatchSize = 100
)

// Store is the document store, the system of record. It is a single sqlite
// file owned by one process at a time.
type Store struct {
	db *gorm.DB
}

// OpenStore opens the sqlite file at path, creating it and its schema when
// missing.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Document{}, &StoreState{}); err != nil {
		return nil, fmt.Errorf("could not migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StoreResult describes one committed Store call. Removed holds the ids of
// detail documents the stored advisories no longer fan out to.
type StoreResult struct {
	Revision  int64
	Documents []Document
	Removed   []string
	Rejected  ValidationErrors
}

func (r StoreResult) IDs() []string {
	return lo.Map(r.Documents, func(d Document, _ int) string { return d.DocID })
}

// Store fans every valid record out into its documents and upserts them in
// one transaction. Invalid records are reported in StoreResult.Rejected and
// do not stop the rest of the batch.
func (s *Store) Store(ctx context.Context, vulns []Vulnerability) (result StoreResult, err error) {
	valid := make([]Vulnerability, 0, len(vulns))
	for i, v := range vulns {
		if verr := validate(i, v); verr != nil {
			slog.Warn("rejecting vulnerability", "position", i, "id", v.ID, "reason", verr.Reason)
			result.Rejected = append(result.Rejected, verr)
			continue
		}
		valid = append(valid, v)
	}
	if len(valid) == 0 {
		return result, nil
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return result, fmt.Errorf("could not start transaction: %w", tx.Error)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	state := StoreState{StateID: storeStateID}
	if err = tx.Where(StoreState{StateID: storeStateID}).FirstOrCreate(&state).Error; err != nil {
		return result, fmt.Errorf("could not read store state: %w", err)
	}
	revision := state.Revision + 1

	// a batch may carry the same advisory twice, the last one wins
	seen := map[string]int{}
	docs := []Document{}
	for _, v := range valid {
		for _, doc := range fanOut(v, revision) {
			if i, ok := seen[doc.DocID]; ok {
				docs[i] = doc
				continue
			}
			seen[doc.DocID] = len(docs)
			docs = append(docs, doc)
		}
	}

	removed, err := staleDetails(tx, docs)
	if err != nil {
		return result, err
	}
	for _, chunk := range lo.Chunk(removed, queryChunkSize) {
		if err = tx.Where("doc_id IN ?", chunk).Delete(&Document{}).Error; err != nil {
			return result, fmt.Errorf("could not remove stale documents: %w", err)
		}
	}

	err = tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			UpdateAll: true,
		}).
		CreateInBatches(docs, storeBatchSize).Error
	if err != nil {
		return result, fmt.Errorf("could not store documents: %w", err)
	}

	err = tx.Model(&StoreState{}).
		Where("state_id = ?", storeStateID).
		Updates(map[string]any{"revision": revision, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return result, fmt.Errorf("could not update store state: %w", err)
	}

	if err = tx.Commit().Error; err != nil {
		return result, fmt.Errorf("could not commit documents: %w", err)
	}

	slog.Debug("stored documents", "records", len(valid), "documents", len(docs), "removed", len(removed), "revision", revision)
	result.Revision = revision
	result.Documents = docs
	result.Removed = removed
	return result, nil
}

// staleDetails returns the ids of the stored detail documents of the
// advisories in docs that docs does not contain, ordered by id.
func staleDetails(tx *gorm.DB, docs []Document) ([]string, error) {
	vulnIDs := lo.Uniq(lo.Map(docs, func(d Document, _ int) string { return d.VulnID }))
	keep := lo.SliceToMap(docs, func(d Document) (string, struct{}) { return d.DocID, struct{}{} })

	stale := []string{}
	for _, chunk := range lo.Chunk(vulnIDs, queryChunkSize) {
		var ids []string
		err := tx.Model(&Document{}).
			Where("kind = ?", KindDetail).
			Where("vuln_id IN ?", chunk).
			Pluck("doc_id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("could not query stored details: %w", err)
		}
		for _, id := range ids {
			if _, ok := keep[id]; !ok {
				stale = append(stale, id)
			}
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// Revision is the number of committed mutations, 0 for a fresh store.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var states []StoreState
	result := s.db.WithContext(ctx).
		Where(StoreState{StateID: storeStateID}).
		Limit(1).
		Find(&states)
	if result.Error != nil {
		return 0, fmt.Errorf("could not read store state: %w", result.Error)
	}
	if len(states) == 0 {
		return 0, nil
	}
	return states[0].Revision, nil
}

// ListAll returns every document ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]Document, error) {
	docs := []Document{}
	result := s.db.WithContext(ctx).Order("doc_id").Find(&docs)
	if result.Error != nil {
		return nil, fmt.Errorf("could not list documents: %w", result.Error)
	}
	return docs, nil
}

// Candidates returns the detail documents of the given packages ordered by
// id.
func (s *Store) Candidates(ctx context.Context, packages []string) ([]Document, error) {
	return s.findChunked(ctx, "package", lo.Without(lo.Uniq(packages), ""))
}

// Documents returns the detail documents with the given ids ordered by id.
// Unknown ids are ignored.
func (s *Store) Documents(ctx context.Context, ids []string) ([]Document, error) {
	return s.findChunked(ctx, "doc_id", lo.Uniq(ids))
}

func (s *Store) findChunked(ctx context.Context, column string, values []string) ([]Document, error) {
	docs := []Document{}
	for _, chunk := range lo.Chunk(values, queryChunkSize) {
		var batch []Document
		result := s.db.WithContext(ctx).
			Where("kind = ?", KindDetail).
			Where(column+" IN ?", chunk).
			Find(&batch)
		if result.Error != nil {
			return nil, fmt.Errorf("could not query documents by %s: %w", column, result.Error)
		}
		docs = append(docs, batch...)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })
	return docs, nil
}

// Reset removes every document. Apart from re-ingestion dropping the details
// an advisory no longer has, it is the only way records leave the store.
// With dryRun set it only counts them.
func (s *Store) Reset(ctx context.Context, dryRun bool) (count int64, err error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, fmt.Errorf("could not start transaction: %w", tx.Error)
	}
	defer func() {
		if err != nil || dryRun {
			tx.Rollback()
		}
	}()

	if err = tx.Model(&Document{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("could not count documents: %w", err)
	}
	slog.Info("found documents", "count", count)
	if dryRun {
		return count, nil
	}

	if err = tx.Where("1 = 1").Delete(&Document{}).Error; err != nil {
		return 0, fmt.Errorf("could not delete documents: %w", err)
	}
	err = tx.Model(&StoreState{}).
		Where("state_id = ?", storeStateID).
		Updates(map[string]any{"revision": gorm.Expr("revision + 1"), "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return 0, fmt.Errorf("could not update store state: %w", err)
	}
	if err = tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("could not commit reset: %w", err)
	}
	return count, nil
}
