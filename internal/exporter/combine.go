package exporter

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/sheetgate/sheetgate/internal/export"
	"github.com/sheetgate/sheetgate/internal/render"
)

// Combine strategies.
const (
	StrategyXLSX = "xlsx"
	StrategyZip  = "zip"
)

// Combiner builds a job's final artifact from its completed fragments.
type Combiner struct {
	strategy string
	maxRows  int
}

// NewCombiner returns a Combiner for the given strategy. Unknown strategies
// fall back to StrategyXLSX.
func NewCombiner(strategy string, maxRowsPerSheet int) *Combiner {
	if strategy != StrategyZip {
		strategy = StrategyXLSX
	}
	return &Combiner{strategy: strategy, maxRows: maxRowsPerSheet}
}

// Ext is the file extension of the artifacts this Combiner writes.
func (c *Combiner) Ext() string { return c.strategy }

// Combine writes the artifact for jobID under basePath and returns its path.
// Fragments are taken in ascending batch-number order whatever order they
// were given in; batches without a fragment on disk are skipped with a
// warning. Every error wraps ErrCombine.
func (c *Combiner) Combine(ctx context.Context, basePath, jobID string, batches []*export.Batch) (string, error) {
	fragments := orderedFragments(jobID, batches)
	out := export.FinalPath(basePath, jobID, c.strategy)

	var err error
	if c.strategy == StrategyZip {
		err = c.archive(ctx, out, jobID, fragments)
	} else {
		err = c.concatenate(ctx, out, fragments)
	}
	if err != nil {
		return "", fmt.Errorf("%w: job %s: %w", ErrCombine, jobID, err)
	}
	slog.Info("exporter: artifact written", "job_id", jobID, "path", out, "fragments", len(fragments))
	return out, nil
}

type fragment struct {
	number int
	path   string
}

func orderedFragments(jobID string, batches []*export.Batch) []fragment {
	sorted := slices.Clone(batches)
	slices.SortFunc(sorted, func(a, b *export.Batch) int { return a.Number - b.Number })

	out := make([]fragment, 0, len(sorted))
	for _, b := range sorted {
		if b.FragmentPath == "" {
			slog.Warn("exporter: batch has no fragment, skipping", "job_id", jobID, "batch", b.Number)
			continue
		}
		if _, err := os.Stat(b.FragmentPath); err != nil {
			slog.Warn("exporter: fragment unreadable, skipping", "job_id", jobID, "batch", b.Number, "error", err)
			continue
		}
		out = append(out, fragment{number: b.Number, path: b.FragmentPath})
	}
	return out
}

func (c *Combiner) concatenate(ctx context.Context, out string, fragments []fragment) error {
	dst, err := render.NewDestination(c.maxRows)
	if err != nil {
		return err
	}
	defer dst.Close()

	for _, f := range fragments {
		if _, err := dst.MergeInto(ctx, f.path, render.HeaderRows); err != nil {
			return fmt.Errorf("batch %d: %w", f.number, err)
		}
	}
	return dst.Save(out)
}

func (c *Combiner) archive(ctx context.Context, out, jobID string, fragments []fragment) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, f := range fragments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, export.FragmentName(jobID, f.number), f.path); err != nil {
			return fmt.Errorf("batch %d: %w", f.number, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
