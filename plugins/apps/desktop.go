// Package main implements the apps plugin: it lists freedesktop.org
// application entries and launches the selected one through cli_run. It
// compiles to WASM (GOOS=wasip1 GOARCH=wasm -buildmode=c-shared).
package main

import (
	"bufio"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Item is one entry shown to the user.
type Item struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// Entry is the subset of a desktop entry the plugin uses.
type Entry struct {
	ID        string
	Name      string
	Comment   string
	Icon      string
	Exec      string
	Type      string
	NoDisplay bool
	Hidden    bool
}

// Visible reports whether the entry should be listed.
func (e Entry) Visible() bool {
	return e.Type == "Application" && e.Name != "" && !e.NoDisplay && !e.Hidden
}

// Item converts the entry for display.
func (e Entry) Item() Item {
	return Item{Name: e.Name, Description: e.Comment, Icon: e.Icon}
}

// ParseEntry reads the [Desktop Entry] group of a .desktop file. Localised
// keys are ignored.
func ParseEntry(id string, r io.Reader) (Entry, error) {
	entry := Entry{ID: id}
	inGroup := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inGroup = line == "[Desktop Entry]"
			continue
		}
		if !inGroup {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "Name":
			entry.Name = value
		case "Comment":
			entry.Comment = value
		case "Icon":
			entry.Icon = value
		case "Exec":
			entry.Exec = value
		case "Type":
			entry.Type = value
		case "NoDisplay":
			entry.NoDisplay = value == "true"
		case "Hidden":
			entry.Hidden = value == "true"
		}
	}

	return entry, scanner.Err()
}

// LoadEntries parses every visible .desktop file in the given directories of
// fsys. Earlier directories win when a desktop file id appears twice.
// Unreadable directories and files are skipped.
func LoadEntries(fsys fs.FS, dirs []string) []Entry {
	seen := make(map[string]bool)
	var entries []Entry

	for _, dir := range dirs {
		files, err := fs.ReadDir(fsys, dir)
		if err != nil {
			continue
		}

		for _, f := range files {
			if f.IsDir() || path.Ext(f.Name()) != ".desktop" || seen[f.Name()] {
				continue
			}
			seen[f.Name()] = true

			file, err := fsys.Open(path.Join(dir, f.Name()))
			if err != nil {
				continue
			}
			entry, err := ParseEntry(f.Name(), file)
			file.Close()
			if err != nil || !entry.Visible() {
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries
}

// Catalog indexes loaded entries by display name.
type Catalog struct {
	entries []Entry
	byName  map[string]Entry
}

// NewCatalog builds a catalog. Later entries with a duplicate name are dropped.
func NewCatalog(entries []Entry) *Catalog {
	c := &Catalog{byName: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, ok := c.byName[e.Name]; ok {
			continue
		}
		c.byName[e.Name] = e
		c.entries = append(c.entries, e)
	}
	return c
}

// Items returns every entry for display.
func (c *Catalog) Items() []Item {
	items := make([]Item, len(c.entries))
	for i, e := range c.entries {
		items[i] = e.Item()
	}
	return items
}

// Filter returns the entries whose name starts with text, followed by those
// that only contain it in their name or comment. Matching ignores case.
func (c *Catalog) Filter(text string) []Item {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return c.Items()
	}

	var prefix, contains []Item
	for _, e := range c.entries {
		name := strings.ToLower(e.Name)
		switch {
		case strings.HasPrefix(name, needle):
			prefix = append(prefix, e.Item())
		case strings.Contains(name, needle), strings.Contains(strings.ToLower(e.Comment), needle):
			contains = append(contains, e.Item())
		}
	}
	return append(prefix, contains...)
}

// Lookup finds the entry shown under name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// splitDirs parses a colon separated directory list.
func splitDirs(value string) []string {
	var dirs []string
	for _, d := range strings.Split(value, ":") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, strings.TrimPrefix(path.Clean(d), "/"))
		}
	}
	return dirs
}

// main is empty: the module is loaded as a reactor and only its exports run.
func main() {}
