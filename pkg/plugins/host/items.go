package host

import (
	"bytes"
	"encoding/json"
	"strings"
)

// parseItems decodes a module's item list. Empty output means no items and
// yields a nil slice without error.
func parseItems(data []byte) ([]Item, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// matchItems returns the items whose name or description contains text,
// ignoring case. The result is never nil.
func matchItems(items []Item, text string) []Item {
	needle := strings.ToLower(text)

	out := make([]Item, 0, len(items))
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Name), needle) ||
			strings.Contains(strings.ToLower(item.Description), needle) {
			out = append(out, item)
		}
	}
	return out
}

func copyItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
