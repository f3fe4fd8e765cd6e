// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// String returns a plain-text dump of the graph, one line per node with its inputs.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %s: %s nodes, %s edges\n", g.tag, humanize.Comma(int64(g.numNodes)), humanize.Comma(int64(len(g.edges))))
	for _, id := range g.NodeIDs() {
		fmt.Fprintf(&sb, "  %s %s(", id, g.Name(id))
		for ii, e := range g.Inputs(id) {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s:%d %s", e.Producer, e.OutputSlot, e.View)
		}
		fmt.Fprintf(&sb, ") -> %d consumers\n", g.NumConsumers(id))
	}
	return sb.String()
}

// Table renders the graph as a table, one row per node, for terminal diagnostics.
func (g *Graph) Table() string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				return oddRowStyle
			}
			return evenRowStyle
		}).
		Headers("Node", "Operator", "Inputs", "Elements", "Consumers")
	for _, id := range g.NodeIDs() {
		inputs := g.Inputs(id)
		parts := make([]string, len(inputs))
		elements := make([]string, len(inputs))
		for ii, e := range inputs {
			parts[ii] = fmt.Sprintf("%s %s", e.Producer, e.View)
			count := e.View.ElementCount()
			if c, ok := symbolic.AsConst(count); ok {
				elements[ii] = humanize.Comma(int64(c))
			} else {
				elements[ii] = count.String()
			}
		}
		table.Row(id.String(), g.Name(id), strings.Join(parts, "\n"), strings.Join(elements, "\n"),
			fmt.Sprintf("%d", g.NumConsumers(id)))
	}
	return table.Render()
}
