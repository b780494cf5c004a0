package precheck

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

var (
	importRe     = regexp.MustCompile(`^import\s+(.+)$`)
	fromImportRe = regexp.MustCompile(`^from\s+(\S+)\s+import\b`)
	moduleNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ExtractImports returns the top-level module names imported by a Python source, in order of
// first appearance. Relative imports are skipped. Imports nested in blocks (try/except, if,
// function bodies) are included since they may run.
func ExtractImports(r io.Reader) ([]string, error) {
	var (
		modules  []string
		seen     = make(map[string]bool)
		inString string
	)

	add := func(name string) {
		top, _, _ := strings.Cut(strings.TrimSpace(name), ".")
		if !moduleNameRe.MatchString(top) || seen[top] {
			return
		}
		seen[top] = true
		modules = append(modules, top)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if inString != "" {
			if strings.Contains(line, inString) {
				inString = ""
			}
			continue
		}
		if quote := openTripleQuote(line); quote != "" {
			inString = quote
			continue
		}

		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		// one-line compound statements such as "try: import x"
		for _, stmt := range strings.Split(line, ";") {
			stmt = strings.TrimSpace(stmt)
			if _, rest, ok := strings.Cut(stmt, ":"); ok && !strings.HasPrefix(stmt, "from") && !strings.HasPrefix(stmt, "import") {
				stmt = strings.TrimSpace(rest)
			}

			if m := fromImportRe.FindStringSubmatch(stmt); m != nil {
				if !strings.HasPrefix(m[1], ".") {
					add(m[1])
				}
				continue
			}
			if m := importRe.FindStringSubmatch(stmt); m != nil {
				names := strings.Trim(m[1], "()\\ ")
				for _, part := range strings.Split(names, ",") {
					name, _, _ := strings.Cut(strings.TrimSpace(part), " as ")
					add(name)
				}
			}
		}
	}
	return modules, scanner.Err()
}

// openTripleQuote returns the delimiter of a triple-quoted string that starts on line and does
// not end on it
func openTripleQuote(line string) string {
	for _, quote := range []string{`"""`, `'''`} {
		i := strings.Index(line, quote)
		if i < 0 {
			continue
		}
		if !strings.Contains(line[i+3:], quote) {
			return quote
		}
	}
	return ""
}
