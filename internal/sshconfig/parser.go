package sshconfig

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Host is the effective configuration of one concrete Host alias.
type Host struct {
	Alias        string
	HostName     string
	User         string
	Port         int
	ForwardAgent bool
	// Source is the file that declared the alias first.
	Source string
}

type ParseResult struct {
	Hosts    []Host
	Warnings []string
}

// Find returns the host with the given alias.
func (r ParseResult) Find(alias string) (Host, bool) {
	for _, h := range r.Hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return Host{}, false
}

type rawBlock struct {
	patterns []string
	values   map[string][]string
	source   string
}

// Parse reads the writer's ssh config, following Include directives.
func (w *Writer) Parse() (ParseResult, error) {
	return ParseFile(w.ConfigPath())
}

// ParseFile parses a root ssh config and expands Include directives relative
// to its directory.
func ParseFile(path string) (ParseResult, error) {
	seen := map[string]bool{}
	blocks, warnings, err := parseRecursive(path, filepath.Dir(path), seen, 0)
	if err != nil {
		return ParseResult{}, err
	}
	return ParseResult{Hosts: compileHosts(blocks), Warnings: warnings}, nil
}

func parseRecursive(path, baseDir string, seen map[string]bool, depth int) ([]rawBlock, []string, error) {
	if depth > 16 {
		return nil, nil, fmt.Errorf("include depth exceeded at %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, err
	}
	if seen[abs] {
		return nil, []string{fmt.Sprintf("include cycle skipped: %s", abs)}, nil
	}
	seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []string{fmt.Sprintf("config file not found: %s", abs)}, nil
		}
		return nil, nil, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	var (
		blocks   []rawBlock
		warnings []string
		current  = rawBlock{patterns: []string{"*"}, values: map[string][]string{}, source: abs}
		declared bool
	)
	flush := func() {
		if declared || len(current.values) > 0 {
			blocks = append(blocks, current)
		}
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s:%d invalid directive", abs, lineNo))
			continue
		}

		switch strings.ToLower(key) {
		case "include":
			// Included files are spliced in place, so what they declare
			// comes before the rest of this file.
			flush()
			current = rawBlock{patterns: current.patterns, values: map[string][]string{}, source: abs}
			declared = false
			for _, pattern := range strings.Fields(value) {
				incPattern := expandHome(pattern)
				if !filepath.IsAbs(incPattern) {
					incPattern = filepath.Join(baseDir, incPattern)
				}
				matches, globErr := filepath.Glob(incPattern)
				if globErr != nil {
					warnings = append(warnings, fmt.Sprintf("%s:%d bad include pattern %q", abs, lineNo, pattern))
					continue
				}
				sort.Strings(matches)
				for _, m := range matches {
					child, childWarnings, childErr := parseRecursive(m, baseDir, seen, depth+1)
					warnings = append(warnings, childWarnings...)
					if childErr != nil {
						warnings = append(warnings, fmt.Sprintf("include %s failed: %v", m, childErr))
						continue
					}
					blocks = append(blocks, child...)
				}
			}
		case "host":
			flush()
			patterns := strings.Fields(value)
			if len(patterns) == 0 {
				patterns = []string{"*"}
			}
			current = rawBlock{patterns: patterns, values: map[string][]string{}, source: abs}
			declared = true
		default:
			k := strings.ToLower(key)
			current.values[k] = append(current.values[k], value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("scan %s: %w", abs, err)
	}
	flush()
	return blocks, warnings, nil
}

// compileHosts applies OpenSSH's rule that the first value obtained for a
// directive wins.
func compileHosts(blocks []rawBlock) []Host {
	firstSource := map[string]string{}
	var aliases []string
	for _, b := range blocks {
		for _, p := range b.patterns {
			if !isConcreteAlias(p) {
				continue
			}
			if _, ok := firstSource[p]; !ok {
				firstSource[p] = b.source
				aliases = append(aliases, p)
			}
		}
	}
	sort.Strings(aliases)

	hosts := make([]Host, 0, len(aliases))
	for _, alias := range aliases {
		h := Host{Alias: alias, Source: firstSource[alias]}
		var hostName, user, port, agent string
		for _, b := range blocks {
			if !matchesAny(alias, b.patterns) {
				continue
			}
			first(&hostName, b.values["hostname"])
			first(&user, b.values["user"])
			first(&port, b.values["port"])
			first(&agent, b.values["forwardagent"])
		}
		h.HostName = hostName
		if h.HostName == "" {
			h.HostName = alias
		}
		h.User = user
		h.Port = 22
		if p, err := strconv.Atoi(port); err == nil {
			h.Port = p
		}
		h.ForwardAgent = strings.EqualFold(agent, "yes")
		hosts = append(hosts, h)
	}
	return hosts
}

func first(dst *string, vals []string) {
	if *dst == "" && len(vals) > 0 {
		*dst = vals[0]
	}
}

func matchesAny(alias string, patterns []string) bool {
	matched := false
	for _, p := range patterns {
		negated := strings.HasPrefix(p, "!")
		ok, err := filepath.Match(strings.TrimPrefix(p, "!"), alias)
		if err != nil || !ok {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

func isConcreteAlias(pattern string) bool {
	return pattern != "" && !strings.HasPrefix(pattern, "!") && !strings.ContainsAny(pattern, "*?")
}

func splitDirective(line string) (key, value string, ok bool) {
	if i := strings.IndexAny(line, " \t="); i > 0 {
		key = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(strings.TrimLeft(line[i:], " \t="))
		return key, value, key != "" && value != ""
	}
	return "", "", false
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return line
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
