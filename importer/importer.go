package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cheggaaa/pb/v3"
	"github.com/samber/lo"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

// Storer is the part of vulndb.DB an import needs. Store returns nil ids
// together with an error when nothing of the batch was committed.
type Storer interface {
	Store(ctx context.Context, vulns []vulndb.Vulnerability) ([]string, error)
}

type Options struct {
	BatchSize int
	Progress  bool
	Rewriters []vulndb.Rewriter
}

func OptionsFromConfig(c vulndb.Config) Options {
	return Options{
		BatchSize: c.Importer.BatchSize,
		Progress:  c.Importer.Progress,
		Rewriters: c.Rewriters,
	}
}

type Result struct {
	Records   int
	Stored    int
	Documents int
	Rejected  vulndb.ValidationErrors
}

// Import loads every record from src, applies the rewriters and stores the
// records in batches. Rejected records are reported in the result; positions
// refer to the order in which src returned them.
func Import(ctx context.Context, db Storer, src Source, opts Options) (result Result, err error) {
	rewriters, err := CompileRewriters(opts.Rewriters)
	if err != nil {
		return result, err
	}

	slog.Info("Loading records", "source", src.Name())
	vulns, err := src.Load(ctx)
	if err != nil {
		return result, fmt.Errorf("could not load %s: %w", src.Name(), err)
	}
	result.Records = len(vulns)

	for i, v := range vulns {
		vulns[i], err = rewriteVulnerability(rewriters, v)
		if err != nil {
			return result, fmt.Errorf("could not rewrite %s: %w", v.ID, err)
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = vulndb.DefaultConfig().Importer.BatchSize
	}

	var bar *pb.ProgressBar
	if opts.Progress {
		bar = pb.StartNew(len(vulns))
		defer bar.Finish()
	}

	for n, batch := range lo.Chunk(vulns, batchSize) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ids, err := db.Store(ctx, batch)
		if err != nil && ids == nil {
			return result, fmt.Errorf("could not store batch %d: %w", n+1, err)
		}
		var rejected vulndb.ValidationErrors
		if errors.As(err, &rejected) {
			for _, verr := range rejected {
				verr.Position += n * batchSize
			}
			result.Rejected = append(result.Rejected, rejected...)
		}

		result.Stored += len(batch) - len(rejected)
		result.Documents += len(ids)
		if bar != nil {
			bar.Add(len(batch))
		}
		if _, onlyRejected := err.(vulndb.ValidationErrors); err != nil && !onlyRejected {
			return result, fmt.Errorf("batch %d stored but not indexed: %w", n+1, err)
		}
	}

	slog.Info("Imported records",
		"source", src.Name(),
		"records", result.Records,
		"stored", result.Stored,
		"rejected", len(result.Rejected),
		"documents", result.Documents,
	)
	return result, nil
}
