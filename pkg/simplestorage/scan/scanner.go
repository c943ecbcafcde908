// Package scan walks the files of a storage service and hands each one to a
// processor. It is the building block for backfills, audits and migrations
// between backends.
package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// FileProcessor processes individual files.
//
// Example implementations:
//   - Copier (replicates files into another backend)
//   - Counter (aggregates statistics)
//   - Validator (checks content integrity)
type FileProcessor interface {
	// Process is called for each file found during the scan.
	// Return an error to mark the file as failed; the scan continues.
	Process(ctx context.Context, file *simplestorage.File) error
}

// ProcessorFunc adapts a function to the FileProcessor interface.
type ProcessorFunc func(context.Context, *simplestorage.File) error

func (f ProcessorFunc) Process(ctx context.Context, file *simplestorage.File) error {
	return f(ctx, file)
}

// Scanner lists files of a service and processes them.
type Scanner struct {
	service simplestorage.Service
	logger  *slog.Logger
}

// New creates a new Scanner instance.
func New(service simplestorage.Service, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{service: service, logger: logger.With("backend", service.Name())}
}

// ScanOptions configures the scan operation.
type ScanOptions struct {
	// Dir is the directory to scan; empty scans the whole store.
	Dir string

	// Extensions and Exclude filter files like the matching list options.
	Extensions []string
	Exclude    []string

	// Limit stops the scan after that many files. Zero means no limit.
	Limit int

	// Processor defines the processing logic (required unless DryRun is true)
	Processor FileProcessor

	// BatchSize controls how often OnProgress fires (default: 100)
	BatchSize int

	// DryRun if true, doesn't process files, just reports what would be processed
	DryRun bool

	// OnProgress is called after every BatchSize files and once at the end (optional)
	OnProgress func(processed, found int64)
}

// ScanResult contains statistics about the scan operation.
type ScanResult struct {
	// TotalFound is the number of files the listing produced
	TotalFound int64

	// TotalProcessed is the number of files successfully processed
	TotalProcessed int64

	// TotalFailed is the number of files that failed processing
	TotalFailed int64

	// TotalBytes is the summed size of every file found
	TotalBytes uint64

	// FailedPaths contains the paths of files that failed processing
	FailedPaths []string
}

// Scan lists files below opts.Dir recursively and processes each one. A
// processor failure is recorded and the scan moves on; a listing failure
// ends the scan with the partial result and the error.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	result := &ScanResult{}

	if !opts.DryRun && opts.Processor == nil {
		return result, fmt.Errorf("processor is required when DryRun is false")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	listOpts := []simplestorage.ListOption{simplestorage.WithRecursive()}
	if len(opts.Extensions) > 0 {
		listOpts = append(listOpts, simplestorage.WithExtensions(opts.Extensions...))
	}
	if len(opts.Exclude) > 0 {
		listOpts = append(listOpts, simplestorage.WithExclude(opts.Exclude...))
	}
	if opts.Limit > 0 {
		listOpts = append(listOpts, simplestorage.WithLimit(opts.Limit))
	}

	report := func() {
		if opts.OnProgress != nil {
			opts.OnProgress(result.TotalProcessed+result.TotalFailed, result.TotalFound)
		}
	}

	for blob, err := range s.service.List(ctx, opts.Dir, listOpts...) {
		if err != nil {
			report()
			return result, fmt.Errorf("failed to list files: %w", err)
		}
		file, ok := blob.(*simplestorage.File)
		if !ok {
			continue
		}

		result.TotalFound++
		result.TotalBytes += file.Size

		switch {
		case opts.DryRun:
			s.logger.Info("[DRY-RUN] Would process", "path", file.Path, "size", file.Size, "content_type", file.ContentType)
			result.TotalProcessed++
		default:
			if err := opts.Processor.Process(ctx, file); err != nil {
				result.TotalFailed++
				result.FailedPaths = append(result.FailedPaths, file.Path)
				s.logger.Error("Failed to process file", "path", file.Path, "err", err)
			} else {
				result.TotalProcessed++
			}
		}

		if result.TotalFound%int64(opts.BatchSize) == 0 {
			report()
		}
	}

	report()
	return result, nil
}

// ForEach is a convenience method that processes each file below dir with a
// callback function.
//
// Example:
//
//	scanner.ForEach(ctx, "photos", func(ctx context.Context, f *simplestorage.File) error {
//	    fmt.Printf("Processing %s\n", f.Path)
//	    return nil
//	})
func (s *Scanner) ForEach(ctx context.Context, dir string, fn func(context.Context, *simplestorage.File) error) (*ScanResult, error) {
	return s.Scan(ctx, ScanOptions{
		Dir:       dir,
		Processor: ProcessorFunc(fn),
	})
}
