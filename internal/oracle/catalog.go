package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Entry is one stored blueprint with the keywords that select it.
type Entry struct {
	ID        string          `json:"id"`
	Keywords  []string        `json:"keywords"`
	Blueprint json.RawMessage `json:"blueprint"`
}

// Catalog answers requests from stored blueprints without calling a model.
type Catalog struct {
	entries []Entry
}

// LoadCatalog reads every *.json and *.jsonc file in dir. A missing directory
// yields an empty catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".jsonc") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	seen := map[string]string{}
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(jsonc.ToJSON(b), &e); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", filepath.Base(p), err)
		}
		if e.ID == "" {
			return nil, fmt.Errorf("catalog %s: missing id", filepath.Base(p))
		}
		if prev, ok := seen[e.ID]; ok {
			return nil, fmt.Errorf("catalog %s: id %q already defined in %s", filepath.Base(p), e.ID, prev)
		}
		if len(e.Blueprint) == 0 {
			return nil, fmt.Errorf("catalog %s: missing blueprint", filepath.Base(p))
		}
		seen[e.ID] = filepath.Base(p)
		for i, k := range e.Keywords {
			e.Keywords[i] = strings.ToLower(strings.TrimSpace(k))
		}
		c.entries = append(c.entries, e)
	}
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].ID < c.entries[j].ID })
	return c, nil
}

func (c *Catalog) Len() int { return len(c.entries) }

// Match returns the entry whose longest keyword occurs in description.
// Ties go to the lower id.
func (c *Catalog) Match(description string) (Entry, bool) {
	d := strings.ToLower(description)
	best, bestLen := -1, 0
	for i, e := range c.entries {
		for _, k := range e.Keywords {
			if k != "" && len(k) > bestLen && strings.Contains(d, k) {
				best, bestLen = i, len(k)
			}
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	return c.entries[best], true
}

func (c *Catalog) Analyze(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := c.Match(req.Description)
	if !ok {
		return nil, ErrNoMatch
	}
	return Clean(e.Blueprint)
}
