package turn

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/taskvault/taskvault/pkg/types"
)

// ResponseHeader is the first line of every backend-authored file
const ResponseHeader = "<!-- CLAUDE-RESPONSE -->"

var (
	numberedRe    = regexp.MustCompile(`^(\d+)_(.+)\.md$`)
	placeholderRe = regexp.MustCompile(`^\s*#\s*<User>\s*$`)
	readyRe       = regexp.MustCompile(`^\s*<User>\s*$`)
	stopRe        = regexp.MustCompile(`^\s*<Stop>\s*$`)
	complexityRe  = regexp.MustCompile(`<!--\s*complexity:\s*([123])\s*-->`)
)

// LatestFile returns the numbered .md file with the highest numeric prefix
// in taskDir, or "" when the directory holds none. Ties in zero-padding are
// broken numerically, not lexically.
func LatestFile(taskDir string) (string, error) {
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return "", fmt.Errorf("reading task dir: %w", err)
	}

	best := ""
	bestNum := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := numberedRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > bestNum {
			bestNum = n
			best = e.Name()
		}
	}
	return best, nil
}

// Classify inspects a turn file and reports who authored it.
// A file starting with the response header and still carrying the
// "# <User>" placeholder is a backend turn awaiting the user; the header
// without the placeholder means the user edited the response in place.
func Classify(taskDir, filename string) (types.Classification, error) {
	f, err := os.Open(filepath.Join(taskDir, filename))
	if err != nil {
		return "", fmt.Errorf("opening turn file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	isResponse := false
	hasPlaceholder := false
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.TrimRight(line, "\r") != ResponseHeader {
				return types.TurnUser, nil
			}
			isResponse = true
			continue
		}
		if placeholderRe.MatchString(line) {
			hasPlaceholder = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scanning turn file: %w", err)
	}

	if !isResponse {
		// empty file
		return types.TurnUser, nil
	}
	if hasPlaceholder {
		return types.TurnBackend, nil
	}
	return types.TurnEdited, nil
}

// IsReady reports whether a user/edited file should be dispatched: either an
// explicit "<User>" sentinel line (without the leading #), or the file has
// not been modified for stability. The stability fallback covers users who
// never add the sentinel.
func IsReady(taskDir, filename string, stability time.Duration) (bool, error) {
	path := filepath.Join(taskDir, filename)
	ok, err := anyLineMatches(path, readyRe)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat turn file: %w", err)
	}
	return time.Since(info.ModTime()) >= stability, nil
}

// DetectStop reports whether the file contains a "<Stop>" line
func DetectStop(taskDir, filename string) (bool, error) {
	return anyLineMatches(filepath.Join(taskDir, filename), stopRe)
}

// NextFilename returns the successor turn filename, zero-padded to at least
// three digits: 003_foo.md -> 004_foo.md, 999_foo.md -> 1000_foo.md.
func NextFilename(current, task string) (string, error) {
	m := numberedRe.FindStringSubmatch(current)
	if m == nil {
		return "", fmt.Errorf("not a numbered turn file: %s", current)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", fmt.Errorf("turn prefix %q: %w", m[1], err)
	}
	return fmt.Sprintf("%03d_%s.md", n+1, task), nil
}

// ExtractComplexity scans a file for an HTML comment of the form
// "<!-- complexity: N -->" and returns N. Zero means not present.
func ExtractComplexity(path string) (types.Complexity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	m := complexityRe.FindSubmatch(data)
	if m == nil {
		return 0, nil
	}
	n, _ := strconv.Atoi(string(m[1]))
	return types.Complexity(n), nil
}

// StripPrompt removes the response header and trailing sentinel lines from
// an input file's contents, yielding the raw prompt to send to a backend.
func StripPrompt(data string) string {
	lines := strings.Split(data, "\n")

	if len(lines) > 0 && strings.TrimRight(lines[0], "\r") == ResponseHeader {
		lines = lines[1:]
	}

	// Drop trailing blank, sentinel and stop lines
	for len(lines) > 0 {
		last := lines[len(lines)-1]
		trimmed := strings.TrimSpace(last)
		if trimmed == "" || readyRe.MatchString(last) || placeholderRe.MatchString(last) || stopRe.MatchString(last) {
			lines = lines[:len(lines)-1]
			continue
		}
		break
	}
	return strings.TrimLeft(strings.Join(lines, "\n"), "\n")
}

func anyLineMatches(path string, re *regexp.Regexp) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if re.MatchString(scanner.Text()) {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("scanning %s: %w", path, err)
	}
	return false, nil
}
