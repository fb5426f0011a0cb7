// Package logscan searches server log trees for authentication and SSO
// failure signatures. Scanning is confined to a fixed allowlist of log
// directories; requested paths outside it are dropped, never walked.
package logscan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tcehq/ssodiag/pkg/types"
)

const defaultMaxMatches = 100

// Log directories the scanner is willing to read. Config may extend the
// list; nothing can remove entries from it.
var defaultRoots = []string{
	"/opt/IBM/tivoli/netcool/omnibus/log",
	"/opt/IBM/JazzSM/profile/logs",
	"/opt/IBM/WebSphere/AppServer/profiles",
	"/var/log/netcool",
	"/var/log/dash",
	"logs",
}

var failurePattern = regexp.MustCompile(`(?i)(ERROR|SEVERE|FATAL|Exception|failed|timeout|LTPA.*(invalid|expired)|authentication.*failed|session.*expired)`)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Logger *log.Logger
	Roots  []string
}

// Scanner walks allowed log directories looking for failure signatures.
type Scanner struct {
	logger  *log.Logger
	allowed []string
}

func New(deps Dependencies) *Scanner {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	allowed := append([]string{}, defaultRoots...)
	allowed = append(allowed, deps.Roots...)
	return &Scanner{logger: logger, allowed: allowed}
}

// Options describes one scan.
type Options struct {
	Dirs        []string
	ExcludeDirs []string
	MaxMatches  int
}

// Match is one log line that hit the failure pattern.
type Match struct {
	File       string `json:"file"`
	LineNumber int    `json:"line_number"`
	Line       string `json:"line"`
}

// Report summarizes one scan.
type Report struct {
	Matches      []Match
	ScannedFiles int
	SkippedDirs  []string
	Truncated    bool
}

// Scan walks the requested directories, or every allowed root that exists
// when none are requested. Directories outside the allowlist are skipped
// silently and reported in SkippedDirs; that is not an error.
func (s *Scanner) Scan(ctx context.Context, opts Options) (Report, error) {
	maxMatches := opts.MaxMatches
	if maxMatches <= 0 {
		maxMatches = defaultMaxMatches
	}

	requested := opts.Dirs
	if len(requested) == 0 {
		requested = s.allowed
	}

	var report Report
	excluded := make([]string, 0, len(opts.ExcludeDirs))
	for _, dir := range opts.ExcludeDirs {
		excluded = append(excluded, resolvePath(dir))
	}

	for _, dir := range requested {
		resolved := resolvePath(dir)
		if !s.isAllowed(resolved) {
			s.logger.Printf("skipping directory outside the log allowlist: %s", dir)
			report.SkippedDirs = append(report.SkippedDirs, dir)
			continue
		}
		if _, err := os.Stat(resolved); err != nil {
			continue
		}
		if err := s.walkRoot(ctx, resolved, excluded, maxMatches, &report); err != nil {
			return report, err
		}
		if report.Truncated {
			break
		}
	}
	return report, nil
}

func (s *Scanner) walkRoot(ctx context.Context, root string, excluded []string, maxMatches int, report *Report) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Printf("skipping unreadable entry %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if isUnder(resolvePath(path), excluded) {
				return fs.SkipDir
			}
			return nil
		}
		if !isLogFile(d.Name()) {
			return nil
		}
		report.ScannedFiles++
		if err := scanFile(path, maxMatches, report); err != nil {
			s.logger.Printf("skipping unreadable file %s: %v", path, err)
			return nil
		}
		if report.Truncated {
			return fs.SkipAll
		}
		return nil
	})
}

func scanFile(path string, maxMatches int, report *Report) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if !failurePattern.MatchString(line) {
			continue
		}
		report.Matches = append(report.Matches, Match{
			File:       path,
			LineNumber: lineNumber,
			Line:       strings.TrimSpace(line),
		})
		if len(report.Matches) >= maxMatches {
			report.Truncated = true
			return nil
		}
	}
	return scanner.Err()
}

func (s *Scanner) isAllowed(resolved string) bool {
	for _, root := range s.allowed {
		if isUnder(resolved, []string{resolvePath(root)}) {
			return true
		}
	}
	return false
}

func isUnder(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath normalizes to an absolute, symlink-free path so that prefix
// comparison against the allowlist cannot be escaped through links.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func isLogFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log", ".out", ".err":
		return true
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "error") || strings.Contains(lower, "exception")
}

// CheckResult renders the scan as a diagnostic finding.
func (r Report) CheckResult() types.CheckResult {
	details := map[string]any{
		"match_count":   len(r.Matches),
		"scanned_files": r.ScannedFiles,
		"truncated":     r.Truncated,
	}
	if len(r.SkippedDirs) > 0 {
		details["skipped_dirs"] = r.SkippedDirs
	}
	if len(r.Matches) == 0 {
		return types.CheckResult{
			Category: types.CategoryLogs,
			Name:     "Logs - Failure Signatures",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("no failure signatures in %d scanned files", r.ScannedFiles),
			Details:  details,
		}
	}
	message := fmt.Sprintf("found %d failure signature(s) across %d files", len(r.Matches), r.ScannedFiles)
	if r.Truncated {
		message += " (truncated)"
	}
	return types.CheckResult{
		Category:       types.CategoryLogs,
		Name:           "Logs - Failure Signatures",
		Severity:       types.SeverityWarning,
		Message:        message,
		Recommendation: "review the matched lines for LTPA key or clock skew problems",
		Details:        details,
	}
}
