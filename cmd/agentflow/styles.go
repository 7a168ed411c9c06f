package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9")) // light gray

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")) // mid gray

	dividerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate
)

const panelWidth = 60

func title(s string) string {
	return titleStyle.Render(s) + "\n" + dividerStyle.Render(strings.Repeat("━", panelWidth))
}

func field(label string, value any) string {
	return fmt.Sprintf("  %s %s", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), valueStyle.Render(fmt.Sprint(value)))
}

// tableRow pads each cell to its column width.
func tableRow(widths []int, cells ...string) string {
	var sb strings.Builder
	sb.WriteString("  ")
	for i, c := range cells {
		w := 12
		if i < len(widths) {
			w = widths[i]
		}
		sb.WriteString(lipgloss.NewStyle().Width(w).Render(c))
	}
	return sb.String()
}
