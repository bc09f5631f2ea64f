package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Scanner finds .eml files below a root directory
type Scanner struct {
	rootPath string
}

// NewScanner creates a new scanner for the given root path
func NewScanner(rootPath string) *Scanner {
	return &Scanner{rootPath: rootPath}
}

// GetRootPath returns the root path for resolving relative paths
func (s *Scanner) GetRootPath() string {
	return s.rootPath
}

// Resolve turns a path returned by Scan back into a filesystem path
func (s *Scanner) Resolve(rel string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(rel))
}

func isEML(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".eml")
}

// Scan recursively collects .eml files as slash-separated paths relative to
// the root, in lexical order. Hidden directories are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	absRoot, err := filepath.Abs(s.rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute root path: %w", err)
	}

	var emlFiles []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != absRoot && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isEML(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}
		emlFiles = append(emlFiles, filepath.ToSlash(relPath))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	return emlFiles, nil
}

// CountEMLFiles counts the .eml files Scan would return
func (s *Scanner) CountEMLFiles(ctx context.Context) (int, error) {
	files, err := s.Scan(ctx)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}
