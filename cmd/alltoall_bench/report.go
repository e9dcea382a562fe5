// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F33"))

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// report prints the configuration and the per-worker results.
func report(cfg benchConfig, results []*workerResult) {
	fmt.Println(titleStyle.Render("AllToAll"))
	summary := newPlainTable(false)
	summary.Row("workers", humanize.Comma(int64(len(results))))
	summary.Row("input dims", fmt.Sprintf("%v (%s)", cfg.dims, cfg.dtype))
	summary.Row("scatter / gather", fmt.Sprintf("%d / %d", cfg.spec.ScatterDim, cfg.spec.GatherDim))
	summary.Row("steps", humanize.Comma(int64(cfg.steps)))
	fmt.Println(summary.Render())

	table := newPlainTable(true)
	table.Headers("Rank", "Input", "Output", "Sent", "Time", "Throughput")
	for _, r := range results {
		if r.err != nil {
			table.Row(fmt.Sprint(r.rank), r.input.String(), errorStyle.Render(firstLine(r.err.Error())), "", "", "")
			continue
		}
		throughput := "-"
		if seconds := r.elapsed.Seconds(); seconds > 0 {
			throughput = humanize.Bytes(uint64(float64(r.bytesSent)/seconds)) + "/s"
		}
		table.Row(fmt.Sprint(r.rank), r.input.String(), r.output.String(),
			humanize.Bytes(r.bytesSent), r.elapsed.Round(time.Millisecond).String(), throughput)
	}
	fmt.Println(table.Render())
}

// firstLine of a (possibly multi-line) message.
func firstLine(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	return line
}
