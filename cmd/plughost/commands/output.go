package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/openfroyo/pluginhost/pkg/plugins/host"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeTable prints rows under header as aligned columns.
func writeTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, col := range header {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, col)
	}
	fmt.Fprintln(tw)

	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, col)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func writeItems(w io.Writer, items []host.Item) error {
	if items == nil {
		items = []host.Item{}
	}
	if jsonOutput {
		return writeJSON(w, items)
	}

	rows := make([][]string, len(items))
	for i, item := range items {
		rows[i] = []string{item.Name, item.Description, item.Icon}
	}
	return writeTable(w, []string{"NAME", "DESCRIPTION", "ICON"}, rows)
}
