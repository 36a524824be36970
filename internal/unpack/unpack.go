// Package unpack drives both engines over one input buffer: the embedded
// filesystem is extracted first, then the headers are restored in place.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"evbunpack/internal/restore"
	"evbunpack/internal/vfs"
)

type Options struct {
	Output  string
	SkipVFS bool
	SkipPE  bool
	// Variant forces a packer release; zero detects it.
	Variant restore.Variant
	Workers int
	// KeepGoing skips files whose payload fails to decode instead of
	// aborting the extraction.
	KeepGoing     bool
	PreserveTimes bool
}

type Stats struct {
	Folders int
	Files   int
	Bytes   int64
	Skipped int
}

type Result struct {
	VFS      Stats
	Report   restore.Report
	Restored string
	Size     int
}

type Unpacker struct {
	fs  afero.Fs
	log *slog.Logger
}

func New(fs afero.Fs, log *slog.Logger) *Unpacker {
	if log == nil {
		log = slog.Default()
	}
	return &Unpacker{fs: fs, log: log}
}

// RestoredName is the file name the restored executable is written under.
func RestoredName(input string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + "_unpacked.exe"
}

// Run extracts and restores according to opts. data is modified in place
// when the PE is restored, so extraction always completes first.
func (u *Unpacker) Run(ctx context.Context, data []byte, input string, opts Options) (Result, error) {
	var result Result
	var err error

	if !opts.SkipVFS {
		result.VFS, err = u.ExtractVFS(ctx, data, opts)
		if err != nil {
			return result, err
		}
	}

	if !opts.SkipPE {
		output := filepath.Join(opts.Output, RestoredName(input))
		result.Report, result.Size, err = u.RestorePE(data, opts.Variant, output)
		if err != nil {
			return result, err
		}
		result.Restored = output
	}
	return result, nil
}

type job struct {
	path   vfs.Path
	entry  *vfs.Entry
	target string
}

// ExtractVFS writes every folder and file of the embedded filesystem below
// opts.Output. Folders are created before any file is written.
func (u *Unpacker) ExtractVFS(ctx context.Context, data []byte, opts Options) (Stats, error) {
	var stats Stats

	unpacker, err := vfs.New(data)
	if err != nil {
		return stats, err
	}
	u.log.Debug("container found", "offset", unpacker.Offset(), "version", unpacker.Version(), "nodes", unpacker.Len())

	if err := u.fs.MkdirAll(opts.Output, 0o755); err != nil {
		return stats, fmt.Errorf("unable to create output folder. %w", err)
	}

	var jobs []job
	for p, entry := range unpacker.Files() {
		target, err := p.Under(opts.Output)
		if err != nil {
			return stats, err
		}
		if entry.IsFolder {
			if err := u.fs.MkdirAll(target, 0o755); err != nil {
				return stats, fmt.Errorf("unable to create folder %s. %w", p, err)
			}
			stats.Folders++
			continue
		}
		jobs = append(jobs, job{path: p, entry: entry, target: target})
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := u.extractFile(unpacker, j, opts.PreserveTimes)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if opts.KeepGoing && errors.Is(err, vfs.ErrDecode) {
					u.log.Warn("skipping file", "path", j.path.String(), "error", err)
					stats.Skipped++
					return nil
				}
				return err
			}
			stats.Files++
			stats.Bytes += int64(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (u *Unpacker) extractFile(unpacker *vfs.Unpacker, j job, preserveTimes bool) (int, error) {
	content, err := unpacker.FileData(j.entry)
	if err != nil {
		return 0, err
	}
	if err := afero.WriteFile(u.fs, j.target, content, 0o644); err != nil {
		return 0, fmt.Errorf("unable to write %s. %w", j.path, err)
	}
	if preserveTimes && !j.entry.Modified.IsZero() {
		accessed := j.entry.Accessed
		if accessed.IsZero() {
			accessed = j.entry.Modified
		}
		if err := u.fs.Chtimes(j.target, accessed, j.entry.Modified); err != nil {
			return 0, fmt.Errorf("unable to set times on %s. %w", j.path, err)
		}
	}
	u.log.Debug("extracted", "path", j.path.String(), "size", len(content), "encoding", j.entry.Encoding.String())
	return len(content), nil
}

// RestorePE restores the headers of data in place and writes the standalone
// image to output.
func (u *Unpacker) RestorePE(data []byte, variant restore.Variant, output string) (restore.Report, int, error) {
	ctx := restore.NewContext(data)

	var (
		bound *restore.Context
		err   error
	)
	if variant != 0 {
		bound, err = ctx.WithVariant(variant)
		if err != nil {
			return restore.Report{}, 0, err
		}
	} else {
		var ok bool
		bound, ok = ctx.WithVariantAuto()
		if !ok {
			return restore.Report{}, 0, fmt.Errorf("%w: failed to detect the correct PE variant. Try specifying it manually", restore.ErrVariantMismatch)
		}
	}
	report := bound.Report()
	u.log.Debug("variant bound", "variant", report.Variant.String(), "block", report.BlockOffset)

	end, err := bound.RestorePE()
	if err != nil {
		return report, 0, err
	}

	if dir := filepath.Dir(output); dir != "" {
		if err := u.fs.MkdirAll(dir, 0o755); err != nil {
			return report, 0, fmt.Errorf("unable to create output folder. %w", err)
		}
	}
	if err := afero.WriteFile(u.fs, output, data[:end], 0o755); err != nil {
		return report, 0, fmt.Errorf("unable to write restored image. %w", err)
	}
	return report, end, nil
}
