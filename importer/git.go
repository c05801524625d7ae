package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

// GitSource reads every .json file committed at Revision of a local
// repository. The working tree is ignored.
type GitSource struct {
	Path string
	// Revision defaults to HEAD.
	Revision string
	// Dir restricts the walk to a directory of the tree.
	Dir string
}

func (s GitSource) Name() string {
	return "git:" + s.Path
}

func (s GitSource) Load(ctx context.Context) ([]vulndb.Vulnerability, error) {
	repo, err := git.PlainOpen(s.Path)
	if err != nil {
		return nil, fmt.Errorf("could not open repository %s: %w", s.Path, err)
	}

	revision := s.Revision
	if revision == "" {
		revision = "HEAD"
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", revision, err)
	}

	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("could not read commit object: %w", err)
	}

	tree, err := repo.TreeObject(commit.TreeHash)
	if err != nil {
		return nil, fmt.Errorf("could not read tree object: %w", err)
	}
	if s.Dir != "" {
		tree, err = tree.Tree(s.Dir)
		if err != nil {
			return nil, fmt.Errorf("could not read directory %s: %w", s.Dir, err)
		}
	}

	seen := map[plumbing.Hash]bool{}
	walker := object.NewTreeWalker(tree, true, seen)
	defer walker.Close()

	vulns := []vulndb.Vulnerability{}
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("could not walk tree: %w", err)
		}
		if !entry.Mode.IsFile() || path.Ext(name) != ".json" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records, err := s.loadBlob(repo, entry.Hash, name)
		if err != nil {
			return nil, err
		}
		vulns = append(vulns, records...)
	}

	return vulns, nil
}

func (s GitSource) loadBlob(repo *git.Repository, hash plumbing.Hash, name string) ([]vulndb.Vulnerability, error) {
	blob, err := repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("could not read blob: %w", err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("could not create reader for blob: %w", err)
	}
	defer reader.Close()

	return decodeRecords(reader, name)
}
