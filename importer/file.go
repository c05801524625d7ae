package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
	"golang.org/x/sync/errgroup"
)

// FileSource reads records from a JSON file, or from every .json file below
// a directory. Directory files are decoded concurrently; records keep the
// lexical order of their files.
type FileSource struct {
	Fs   afero.Fs
	Path string
}

func NewFileSource(fs afero.Fs, path string) FileSource {
	return FileSource{Fs: fs, Path: path}
}

func (s FileSource) Name() string {
	return "file:" + s.Path
}

func (s FileSource) Load(ctx context.Context) ([]vulndb.Vulnerability, error) {
	info, err := s.Fs.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("could not stat %s: %w", s.Path, err)
	}
	if !info.IsDir() {
		return s.loadFile(s.Path)
	}

	files := []string{}
	err = afero.Walk(s.Fs, s.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && filepath.Ext(path) == ".json" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk %s: %w", s.Path, err)
	}

	loaded := make([][]vulndb.Vulnerability, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for n, path := range files {
		n, path := n, path
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				records, err := s.loadFile(path)
				if err != nil {
					return err
				}
				loaded[n] = records
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vulns := []vulndb.Vulnerability{}
	for _, records := range loaded {
		vulns = append(vulns, records...)
	}
	return vulns, nil
}

func (s FileSource) loadFile(path string) ([]vulndb.Vulnerability, error) {
	f, err := s.Fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	return decodeRecords(f, path)
}
