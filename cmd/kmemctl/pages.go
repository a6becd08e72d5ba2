package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem/page"
)

var (
	pagesOpts  workloadOptions
	pagesWidth int
)

func init() {
	cmd := newPagesCmd()
	addWorkloadFlags(cmd, &pagesOpts, 0)
	cmd.Flags().IntVar(&pagesWidth, "width", 64, "Pages per row")
	rootCmd.AddCommand(cmd)
}

func newPagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pages",
		Short: "Render the page-kind table",
		Long: `The pages command prints one glyph per arena page showing the kind
its RAT entry records, optionally after running a workload.

Legend:
  .  Empty        s  SmallHeap    m  MediumHeap   L  LargeHeap
  S  SizeMapMeta  u  Unmanaged    R  Reserved

Example:
  kmemctl pages --ops 2000
  kmemctl pages --width 128 --no-color`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPages(pagesOpts)
		},
	}
}

var kindGlyphs = [...]byte{
	page.Empty:       '.',
	page.SmallHeap:   's',
	page.MediumHeap:  'm',
	page.LargeHeap:   'L',
	page.SizeMapMeta: 'S',
	page.Unmanaged:   'u',
	page.Reserved:    'R',
}

var (
	mutedColor = lipgloss.Color("#666666")
	kindStyles = map[page.Kind]lipgloss.Style{
		page.Empty:       lipgloss.NewStyle().Foreground(mutedColor),
		page.SmallHeap:   lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		page.MediumHeap:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00D7FF")),
		page.LargeHeap:   lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true),
		page.SizeMapMeta: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF00FF")).Bold(true),
		page.Unmanaged:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),
		page.Reserved:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4B4B")),
	}
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	addrStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

// PageMap is the pages command's JSON output.
type PageMap struct {
	Base     uint64         `json:"base"`
	PageSize int            `json:"page_size"`
	Rows     []string       `json:"rows"`
	Counts   map[string]int `json:"counts"`
}

func glyph(k page.Kind) byte {
	if int(k) < len(kindGlyphs) {
		return kindGlyphs[k]
	}
	return '?'
}

func runPages(opts workloadOptions) error {
	if pagesWidth <= 0 {
		return fmt.Errorf("--width must be positive, got %d", pagesWidth)
	}
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if opts.Ops > 0 {
		if _, err := runWorkload(m, opts); err != nil {
			return err
		}
	}
	kinds := m.PageMap()
	out := renderPageMap(m.Config().Base, kinds, pagesWidth)

	if jsonOut {
		return printJSON(out)
	}

	printInfo("%s\n", style(headerStyle, fmt.Sprintf("Page map: %d pages at 0x%X", len(kinds), out.Base)))
	for i, row := range out.Rows {
		addr := out.Base + uint64(i*pagesWidth*format.PageSize)
		var line strings.Builder
		for j := range len(row) {
			k := kinds[i*pagesWidth+j]
			line.WriteString(style(kindStyles[k], string(row[j])))
		}
		printInfo("%s %s\n", style(addrStyle, fmt.Sprintf("0x%010X", addr)), line.String())
	}
	printInfo("\n")
	for _, k := range page.Kinds() {
		if c := out.Counts[k.String()]; c > 0 {
			printInfo("  %s %-12s %d\n", style(kindStyles[k], string(glyph(k))), k.String(), c)
		}
	}
	return nil
}

// renderPageMap lays the RAT out in rows of width glyphs.
func renderPageMap(base uint64, kinds []page.Kind, width int) PageMap {
	out := PageMap{Base: base, PageSize: format.PageSize, Counts: make(map[string]int)}
	for start := 0; start < len(kinds); start += width {
		end := min(start+width, len(kinds))
		row := make([]byte, 0, end-start)
		for _, k := range kinds[start:end] {
			row = append(row, glyph(k))
			out.Counts[k.String()]++
		}
		out.Rows = append(out.Rows, string(row))
	}
	return out
}

// style renders s with st unless color is off.
func style(st lipgloss.Style, s string) string {
	if noColor {
		return s
	}
	return st.Render(s)
}
