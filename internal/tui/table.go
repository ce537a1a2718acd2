// internal/tui/table.go
package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// column is one table column: header text, content width, alignment.
type column struct {
	header string
	width  int
	align  lipgloss.Position
}

// renderTable lays out rows under a header and separator line. Cells are
// truncated to their column width; missing cells render empty.
func renderTable(columns []column, rows [][]string, headerStyle, cellStyle lipgloss.Style) string {
	var b strings.Builder

	for i, col := range columns {
		b.WriteString(renderCell(col.header, col.width, col.align, headerStyle))
		if i < len(columns)-1 {
			b.WriteString("│")
		}
	}
	b.WriteString("\n")
	for i, col := range columns {
		b.WriteString(strings.Repeat("─", col.width))
		if i < len(columns)-1 {
			b.WriteString("┼")
		}
	}

	for _, row := range rows {
		b.WriteString("\n")
		for i, col := range columns {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(renderCell(cell, col.width, col.align, cellStyle))
			if i < len(columns)-1 {
				b.WriteString("│")
			}
		}
	}

	return b.String()
}

func renderCell(content string, width int, align lipgloss.Position, style lipgloss.Style) string {
	limit := width - 2 // room for the cell padding
	if len(content) > limit {
		if limit > 3 {
			content = content[:limit-3] + "..."
		} else {
			content = content[:limit]
		}
	}
	return style.Width(width).Align(align).Render(content)
}
