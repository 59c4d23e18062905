package prompt

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandPaths resolves attached paths for the Phase 1 listing. Relative
// entries are taken from baseDir; entries containing glob metacharacters are
// expanded with doublestar (so "src/**/*.go" works). A pattern that matches
// nothing is kept verbatim so the reasoner still sees what was attached.
// Only names are produced; file contents are never read.
func ExpandPaths(baseDir string, paths []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, raw := range paths {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		if !hasGlobMeta(p) {
			add(filepath.Clean(p))
			continue
		}
		matches, err := doublestar.FilepathGlob(p)
		if err != nil || len(matches) == 0 {
			add(p)
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return out
}

func hasGlobMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
