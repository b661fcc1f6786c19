package cmdutils

import (
	"fmt"
	"io"
)

const logo = "🐬"

// PrintResponse writes an agent reply the way the terminal shows it.
func PrintResponse(w io.Writer, text string) {
	if text == "" {
		return
	}

	fmt.Fprintf(w, "\n%s chorus\n%s\n\n", logo, text)
}

// PrintTable writes rows as left-aligned columns.
func PrintTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	line := func(cells []string) {
		for i, cell := range cells {
			if i == len(cells)-1 {
				fmt.Fprintln(w, cell)
				continue
			}
			fmt.Fprintf(w, "%-*s  ", widths[i], cell)
		}
	}
	line(header)
	for _, row := range rows {
		line(row)
	}
}
