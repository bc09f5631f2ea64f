// Package importer loads a directory of .eml files through the inbound
// receive path so imported mail is threaded like live mail.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/felo/mailcore/internal/db"
	"github.com/felo/mailcore/internal/mailer"
	"github.com/felo/mailcore/internal/parser"
	"github.com/felo/mailcore/internal/scanner"
)

const source = "import"

// Receiver stores one inbound message
type Receiver interface {
	Receive(ctx context.Context, in *parser.InboundMessage, source string) (*db.Email, error)
}

// Importer handles bulk import operations
type Importer struct {
	receiver    Receiver
	scanner     *scanner.Scanner
	logger      *slog.Logger
	concurrency int
}

// New creates an importer for every .eml file below dir
func New(receiver Receiver, dir string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		receiver:    receiver,
		scanner:     scanner.NewScanner(dir),
		logger:      logger,
		concurrency: runtime.NumCPU(),
	}
}

// WithConcurrency sets the number of concurrent workers
func (imp *Importer) WithConcurrency(workers int) *Importer {
	if workers < 1 {
		workers = 1
	}
	imp.concurrency = workers
	return imp
}

// Result contains statistics about an import
type Result struct {
	TotalFound  int
	Imported    int
	Duplicates  int
	Failed      int
	FailedFiles []string
}

type status int

const (
	statusImported status = iota
	statusDuplicate
	statusFailed
)

type fileResult struct {
	path   string
	status status
}

// ImportAll scans the directory and feeds every file to the receiver using
// a worker pool. Files left unprocessed after ctx is cancelled are counted
// as failed.
func (imp *Importer) ImportAll(ctx context.Context) (*Result, error) {
	files, err := imp.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for files: %w", err)
	}

	result := &Result{TotalFound: len(files), FailedFiles: make([]string, 0)}
	imp.logger.Info("importing eml files", "found", result.TotalFound, "workers", imp.concurrency)

	fileChan := make(chan string, len(files))
	resultChan := make(chan fileResult, len(files))

	var wg sync.WaitGroup
	for range imp.concurrency {
		wg.Add(1)
		go imp.worker(ctx, &wg, fileChan, resultChan)
	}

	for _, file := range files {
		fileChan <- file
	}
	close(fileChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	processed := 0
	for res := range resultChan {
		processed++
		if processed%100 == 0 {
			imp.logger.Info("import progress", "processed", processed, "total", result.TotalFound)
		}

		switch res.status {
		case statusImported:
			result.Imported++
		case statusDuplicate:
			result.Duplicates++
		case statusFailed:
			result.Failed++
			result.FailedFiles = append(result.FailedFiles, res.path)
		}
	}

	imp.logger.Info("import complete",
		"imported", result.Imported,
		"duplicates", result.Duplicates,
		"failed", result.Failed,
	)
	return result, ctx.Err()
}

func (imp *Importer) worker(ctx context.Context, wg *sync.WaitGroup, fileChan <-chan string, resultChan chan<- fileResult) {
	defer wg.Done()

	for path := range fileChan {
		st := statusFailed
		if ctx.Err() == nil {
			st = imp.importFile(ctx, path)
		}
		resultChan <- fileResult{path: path, status: st}
	}
}

func (imp *Importer) importFile(ctx context.Context, rel string) status {
	in, err := parser.ParseEMLFile(imp.scanner.Resolve(rel))
	if err != nil {
		imp.logger.Warn("failed to parse eml file", "file", rel, "error", err)
		return statusFailed
	}

	_, err = imp.receiver.Receive(ctx, in, source)
	switch {
	case err == nil:
		return statusImported
	case errors.Is(err, mailer.ErrDuplicateMessage):
		return statusDuplicate
	default:
		imp.logger.Warn("failed to import eml file", "file", rel, "error", err)
		return statusFailed
	}
}
