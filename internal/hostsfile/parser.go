// Package hostsfile reads and writes hosts(5)-style routing files.
//
// Each line maps one target to one or more rule keys:
//
//	# comment
//	10.0.0.5          api.example.test  api.example.test:8443
//	127.0.0.1:8080    static.example.test   # inline comment
//	include           conf.d/*.hosts
//
// A target is "[scheme://]host[:port]"; a key is "host" or "host:port".
// When a key appears more than once the last mapping wins.
package hostsfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/util"
)

// Entry is one key mapping together with where it was read from.
type Entry struct {
	Key    string
	Target model.Address
	Source string
	Line   int
}

type ParseResult struct {
	Entries  []Entry
	Warnings []string
}

// Rules folds the entries into a rule map, later entries winning.
func (r ParseResult) Rules() map[string]model.Address {
	out := make(map[string]model.Address, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Key] = e.Target
	}
	return out
}

// ParseFile parses a routing file and expands include directives.
func ParseFile(path string) (ParseResult, error) {
	seen := map[string]bool{}
	entries, warnings, err := parseRecursive(path, seen, 0)
	if err != nil {
		return ParseResult{}, err
	}
	return ParseResult{Entries: entries, Warnings: append(warnings, duplicateWarnings(entries)...)}, nil
}

func parseRecursive(path string, seen map[string]bool, depth int) ([]Entry, []string, error) {
	if depth > util.MaxIncludeDepth {
		return nil, nil, fmt.Errorf("include depth exceeded at %s", path)
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, nil, err
	}
	if seen[abs] {
		return nil, []string{fmt.Sprintf("include cycle skipped: %s", abs)}, nil
	}
	seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && depth > 0 {
			return nil, []string{fmt.Sprintf("routing file not found: %s", abs)}, nil
		}
		return nil, nil, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	var (
		entries  []Entry
		warnings []string
	)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			warnings = append(warnings, fmt.Sprintf("%s:%d target without hosts", abs, lineNo))
			continue
		}

		if strings.EqualFold(fields[0], "include") {
			for _, pattern := range fields[1:] {
				inc := expandHome(pattern)
				if !filepath.IsAbs(inc) {
					inc = filepath.Join(filepath.Dir(abs), inc)
				}
				matches, globErr := filepath.Glob(inc)
				if globErr != nil {
					warnings = append(warnings, fmt.Sprintf("%s:%d bad include pattern %q", abs, lineNo, pattern))
					continue
				}
				if len(matches) == 0 {
					warnings = append(warnings, fmt.Sprintf("%s:%d include matched nothing: %q", abs, lineNo, pattern))
				}
				sort.Strings(matches)
				for _, m := range matches {
					child, childWarnings, childErr := parseRecursive(m, seen, depth+1)
					warnings = append(warnings, childWarnings...)
					if childErr != nil {
						warnings = append(warnings, fmt.Sprintf("include %s failed: %v", m, childErr))
						continue
					}
					entries = append(entries, child...)
				}
			}
			continue
		}

		target, err := util.ParseAddress(fields[0])
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s:%d bad target %q: %v", abs, lineNo, fields[0], err))
			continue
		}
		for _, key := range fields[1:] {
			if err := routing.ValidateKey(key); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s:%d %v", abs, lineNo, err))
				continue
			}
			entries = append(entries, Entry{Key: key, Target: target, Source: abs, Line: lineNo})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("scan %s: %w", abs, err)
	}
	return entries, warnings, nil
}

func duplicateWarnings(entries []Entry) []string {
	first := map[string]Entry{}
	var out []string
	for _, e := range entries {
		if prev, ok := first[e.Key]; ok && prev.Target != e.Target {
			out = append(out, fmt.Sprintf("%s:%d %s overrides %s:%d", e.Source, e.Line, e.Key, prev.Source, prev.Line))
		}
		first[e.Key] = e
	}
	return out
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
