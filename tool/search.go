package tool

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/leonardorey-coder/promptscript/glob"
	"github.com/leonardorey-coder/promptscript/memory"
	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/sandbox"
)

const searchLineMax = 300

// SearchHit is one matching line, or a bare path when no query was given.
type SearchHit struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Text string `json:"text,omitempty"`
}

// Search walks the project root depth-first, skipping sensitive paths and
// the runtime's own state directories. Globs filter entries; a query turns
// the walk into a line scan over files under the size cap. Results come
// back in traversal order, which is sorted by (path, line).
func Search(root, query string, globs []string, maxResults int) ([]SearchHit, error) {
	if maxResults <= 0 || maxResults > plan.MaxSearchResults {
		maxResults = plan.MaxSearchResults
	}

	var hits []SearchHit

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel := sandbox.Rel(root, path)
		if rel == "." {
			return nil
		}
		if sandbox.IsSensitive(rel) || strings.HasPrefix(rel, memory.MemoryDir) || strings.HasPrefix(rel, runlog.RunsDir) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if len(globs) > 0 && !glob.MatchAny(globs, rel) {
			return nil
		}

		if query == "" {
			hits = append(hits, SearchHit{Path: rel})
			if len(hits) >= maxResults {
				return filepath.SkipAll
			}
			return nil
		}

		if info.Size() >= plan.MaxReadBytes {
			return nil
		}
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(b), "\n") {
			if !strings.Contains(line, query) {
				continue
			}
			if len(line) > searchLineMax {
				line = line[:searchLineMax]
			}
			hits = append(hits, SearchHit{Path: rel, Line: i + 1, Text: line})
			if len(hits) >= maxResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}
