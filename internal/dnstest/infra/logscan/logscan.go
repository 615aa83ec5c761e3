// Package logscan searches the captured output of a server process.
package logscan

import (
	"bufio"
	"errors"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Scanner searches a daemon's standard output and error files.
type Scanner struct {
	Stdout string
	Stderr string
}

// New returns a Scanner over the two output files.
func New(stdout, stderr string) *Scanner {
	return &Scanner{Stdout: stdout, Stderr: stderr}
}

// Search reports whether any line of either stream matches pattern.
func (s *Scanner) Search(pattern string) bool {
	re := compile(pattern)
	return countFile(s.Stdout, re, 1) > 0 || countFile(s.Stderr, re, 1) > 0
}

// SearchCount returns the number of lines of both streams matching pattern.
// Missing files count as zero.
func (s *Scanner) SearchCount(pattern string) int {
	re := compile(pattern)
	return countFile(s.Stdout, re, 0) + countFile(s.Stderr, re, 0)
}

// SearchErr reports whether the error stream matches pattern.
func (s *Scanner) SearchErr(pattern string) bool {
	return countFile(s.Stderr, compile(pattern), 1) > 0
}

// compile falls back to a literal match when pattern is not a valid
// regular expression.
func compile(pattern string) *regexp.Regexp {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return regexp.MustCompile(regexp.QuoteMeta(pattern))
	}
	return re
}

// countFile stops early once limit matches are found; limit 0 counts all.
func countFile(path string, re *regexp.Regexp, limit int) int {
	if path == "" {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if re.Match(sc.Bytes()) {
			n++
			if limit > 0 && n >= limit {
				break
			}
		}
	}
	return n
}

// MemcheckSummary is one HEAP/LEAK SUMMARY block of a valgrind log.
type MemcheckSummary struct {
	Lost      int64 // bytes
	Reachable int64 // bytes
	Errors    int64
}

// Clean reports whether the block shows no leak and no error.
func (m MemcheckSummary) Clean() bool {
	return m.Lost == 0 && m.Reachable == 0 && m.Errors == 0
}

var (
	reSummary = regexp.MustCompile(`(HEAP|LEAK) SUMMARY`)
	reLost    = regexp.MustCompile(`lost:`)
	reReach   = regexp.MustCompile(`reachable:`)
	reErrSum  = regexp.MustCompile(`ERROR SUMMARY:`)
)

// ValgrindSummaries parses a valgrind log. A block starts at a HEAP or LEAK
// SUMMARY header, accumulates every "lost:" and "reachable:" byte count and
// ends at the ERROR SUMMARY line. A missing log yields os.ErrNotExist.
func ValgrindSummaries(path string) ([]MemcheckSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out  []MemcheckSummary
		cur  MemcheckSummary
		open bool
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if reSummary.MatchString(line) {
			cur = MemcheckSummary{}
			open = true
			continue
		}
		if !open {
			continue
		}
		if loc := reLost.FindStringIndex(line); loc != nil {
			cur.Lost += leadingNumber(line[loc[1]:])
			continue
		}
		if loc := reReach.FindStringIndex(line); loc != nil {
			cur.Reachable += leadingNumber(line[loc[1]:])
			continue
		}
		if loc := reErrSum.FindStringIndex(line); loc != nil {
			cur.Errors += leadingNumber(line[loc[1]:])
			out = append(out, cur)
			open = false
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// leadingNumber parses "1,024 bytes in ..." as 1024.
func leadingNumber(s string) int64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(fields[0], ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// IsMissing reports whether err came from a missing log file.
func IsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
