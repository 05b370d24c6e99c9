package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"sql-guard/internal/model"

	"golang.org/x/sync/errgroup"
)

// FileWalker is responsible for traversing directories and feeding files to a channel
type FileWalker struct {
	Extensions map[string]struct{}
	Excludes   []string
}

func NewFileWalker(exts []string, excludes []string) *FileWalker {
	e := make(map[string]struct{})
	for _, ext := range exts {
		e[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &FileWalker{
		Extensions: e,
		Excludes:   excludes,
	}
}

// Walk starts the traversal and returns a channel of file paths.
// It runs in a separate goroutine and closes both channels when done.
func (fw *FileWalker) Walk(ctx context.Context, root string) (<-chan string, <-chan error) {
	paths := make(chan string, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(paths)
		defer close(errs)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			if d.IsDir() {
				if path != root && (fw.excluded(path, d.Name()) || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			if fw.excluded(path, d.Name()) {
				return nil
			}

			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			if _, ok := fw.Extensions[ext]; !ok {
				return nil
			}
			select {
			case paths <- path:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return paths, errs
}

// excluded matches a glob against the base name, or a plain substring against the path.
func (fw *FileWalker) excluded(path, name string) bool {
	for _, exclude := range fw.Excludes {
		if matched, _ := filepath.Match(exclude, name); matched || strings.Contains(path, exclude) {
			return true
		}
	}
	return false
}

type ScanResult struct {
	File     string
	Segments []model.SQLSegment
	Error    error
}

// Processor extracts the segments of one file.
type Processor func(path string) ([]model.SQLSegment, error)

// WorkerPool processes paths with bounded concurrency.
type WorkerPool struct {
	Concurrency int
	Processor   Processor
}

func NewWorkerPool(concurrency int, proc Processor) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool{
		Concurrency: concurrency,
		Processor:   proc,
	}
}

// Start consumes paths until the channel closes or ctx ends. Extraction
// errors are delivered with their result, not returned.
func (wp *WorkerPool) Start(ctx context.Context, paths <-chan string) <-chan ScanResult {
	results := make(chan ScanResult)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(wp.Concurrency)

	go func() {
		defer close(results)
		for path := range paths {
			if ctx.Err() != nil {
				break
			}
			path := path
			g.Go(func() error {
				segments, err := wp.Processor(path)
				select {
				case results <- ScanResult{File: path, Segments: segments, Error: err}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
		_ = g.Wait()
	}()

	return results
}

// Scan walks root and extracts every matching file. Walk errors are returned
// after all files found so far have been processed.
func Scan(ctx context.Context, walker *FileWalker, root string, concurrency int, proc Processor) ([]ScanResult, error) {
	paths, errs := walker.Walk(ctx, root)
	var out []ScanResult
	for res := range NewWorkerPool(concurrency, proc).Start(ctx, paths) {
		out = append(out, res)
	}
	if err := <-errs; err != nil {
		return out, err
	}
	return out, nil
}
