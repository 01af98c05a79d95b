// core/scanner.go
package core

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExcludePatterns mirrors the set a quiescent end-user filesystem
// always carries: platform detritus, temp files and lock files.
var DefaultExcludePatterns = []string{
	"Thumbs.db",
	"desktop.ini",
	"$RECYCLE.BIN",
	"System Volume Information",
	"*.tmp",
	"*.temp",
	"~$*",
	"*.lock",
	".~lock.*",
}

// FileSnapshot is the minimal state the scanner needs about a file that was
// present in a prior backup: enough to diff (size, mtime) and to tombstone
// it if it disappears.
type FileSnapshot struct {
	RelativePath string
	Size         int64
	ModTime      time.Time
}

// ScannedFile describes one file observed during a walk.
type ScannedFile struct {
	AbsPath      string
	RelativePath string
	Size         int64
	ModTime      time.Time
	IsNew        bool
	IsModified   bool
	IsDeleted    bool
}

// ScanResult is the outcome of one Scanner.Scan call.
type ScanResult struct {
	New        []ScannedFile
	Modified   []ScannedFile
	Unchanged  []ScannedFile
	Deleted    []ScannedFile
	Errors     []string
	TotalSize  int64
	TotalFiles int
}

// FilesToBackup is the convenience union new ∪ modified.
func (r *ScanResult) FilesToBackup() []ScannedFile {
	out := make([]ScannedFile, 0, len(r.New)+len(r.Modified))
	out = append(out, r.New...)
	out = append(out, r.Modified...)
	return out
}

// Scanner walks a source tree and diffs it against a prior snapshot by
// (size, mtime). No content hashes are computed or consulted for change
// detection.
type Scanner struct {
	ExcludePatterns []string
}

// NewScanner builds a Scanner with the default exclusion set. Callers may
// replace or extend ExcludePatterns afterwards.
func NewScanner() *Scanner {
	patterns := make([]string, len(DefaultExcludePatterns))
	copy(patterns, DefaultExcludePatterns)
	return &Scanner{ExcludePatterns: patterns}
}

// mtimeTolerance absorbs filesystem mtime granularity across platforms.
const mtimeTolerance = time.Second

// maxWalkDepth bounds traversal so a symlink cycle cannot recurse forever.
const maxWalkDepth = 64

// Scan walks root depth-first, classifying every regular file against
// prior (relative path -> snapshot). A nil or empty prior means every file
// observed is new.
func (s *Scanner) Scan(root string, prior map[string]FileSnapshot) (*ScanResult, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "scan", Path: root, Err: os.ErrInvalid}
	}

	result := &ScanResult{}
	seen := make(map[string]struct{}, len(prior))

	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if depth > maxWalkDepth {
			result.Errors = append(result.Errors, "max depth exceeded at "+dir)
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			result.Errors = append(result.Errors, "read dir "+dir+": "+err.Error())
			return nil
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if s.isExcluded(entry.Name()) {
				continue
			}

			if entry.IsDir() {
				if err := walk(full, depth+1); err != nil {
					result.Errors = append(result.Errors, err.Error())
				}
				continue
			}

			fi, err := entry.Info()
			if err != nil {
				result.Errors = append(result.Errors, "stat "+full+": "+err.Error())
				continue
			}

			// Follow symlinks: a link to a directory is walked like any
			// other directory, a link to a file is captured as that file.
			if fi.Mode()&os.ModeSymlink != 0 {
				target, err := os.Stat(full)
				if err != nil {
					result.Errors = append(result.Errors, "stat "+full+": "+err.Error())
					continue
				}
				if target.IsDir() {
					if err := walk(full, depth+1); err != nil {
						result.Errors = append(result.Errors, err.Error())
					}
					continue
				}
				fi = target
			}
			if !fi.Mode().IsRegular() {
				continue
			}

			rel, err := filepath.Rel(root, full)
			if err != nil {
				result.Errors = append(result.Errors, "relpath "+full+": "+err.Error())
				continue
			}

			sf := ScannedFile{
				AbsPath:      full,
				RelativePath: rel,
				Size:         fi.Size(),
				ModTime:      fi.ModTime(),
			}

			if prev, ok := prior[rel]; ok {
				delta := sf.ModTime.Sub(prev.ModTime)
				if delta < 0 {
					delta = -delta
				}
				if delta > mtimeTolerance || sf.Size != prev.Size {
					sf.IsModified = true
					result.Modified = append(result.Modified, sf)
				} else {
					result.Unchanged = append(result.Unchanged, sf)
				}
			} else {
				sf.IsNew = true
				result.New = append(result.New, sf)
			}

			seen[rel] = struct{}{}
			result.TotalSize += sf.Size
		}
		return nil
	}

	if err := walk(root, 0); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	for rel, prev := range prior {
		if _, ok := seen[rel]; ok {
			continue
		}
		result.Deleted = append(result.Deleted, ScannedFile{
			AbsPath:      filepath.Join(root, prev.RelativePath),
			RelativePath: prev.RelativePath,
			Size:         prev.Size,
			ModTime:      prev.ModTime,
			IsDeleted:    true,
		})
	}

	result.TotalFiles = len(result.New) + len(result.Modified) + len(result.Unchanged)
	return result, nil
}

// isExcluded matches a basename against the configured patterns:
// exact match, "*SUFFIX", or "PREFIX*".
func (s *Scanner) isExcluded(name string) bool {
	for _, pattern := range s.ExcludePatterns {
		if pattern == name {
			return true
		}
		if strings.HasPrefix(pattern, "*") && strings.HasSuffix(name, pattern[1:]) {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}

// AddExcludePattern registers an additional glob-style exclusion pattern.
func (s *Scanner) AddExcludePattern(pattern string) {
	s.ExcludePatterns = append(s.ExcludePatterns, pattern)
}
