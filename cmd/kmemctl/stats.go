package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem/page"
	"github.com/joshuapare/kernmem/pkg/kmem"
)

var (
	statsOpts workloadOptions
	rule      = strings.Repeat("═", 40)
)

func init() {
	cmd := newStatsCmd()
	addWorkloadFlags(cmd, &statsOpts, 0)
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show manager statistics",
		Long: `The stats command builds a manager, optionally runs a workload
against it, and prints page, heap, refcount, handle, native lease and
collector counters.

Example:
  kmemctl stats
  kmemctl stats --ops 5000 --seed 3
  kmemctl stats --config kmem.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(statsOpts)
		},
	}
}

func runStats(opts workloadOptions) error {
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
	st := m.Stats()
	if jsonOut {
		return printJSON(st)
	}
	printInfo("\nMemory Manager Statistics\n")
	printInfo("%s\n\n", rule)
	printStats(st)
	return nil
}

// numberPrinter formats counts with thousands separators.
func numberPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func printStats(st kmem.Stats) {
	p := numberPrinter()
	n := func(v int) string { return p.Sprintf("%d", v) }

	printInfo("Pages:\n")
	printInfo("  Total: %s (%s)\n", n(st.Pages.TotalPages), formatBytes(int64(st.Pages.TotalPages)*format.PageSize))
	printInfo("  Usable: %s\n", n(st.Pages.UsablePages))
	printInfo("  Free: %s (largest run %s)\n", n(st.Pages.FreePages), n(st.Pages.LargestRun))
	for _, k := range page.Kinds() {
		if c := st.Pages.ByKind[k]; c > 0 && k != page.Empty {
			printInfo("  %-12s %s\n", k.String()+":", n(c))
		}
	}
	printInfo("  Acquires/Releases: %s / %s (%s failed)\n\n",
		n(st.Pages.AcquireCalls), n(st.Pages.ReleaseCalls), n(st.Pages.Failures))

	printInfo("Small Heap:\n")
	printInfo("  Size classes: %d\n", st.Small.Classes)
	printInfo("  Live objects: %s (%s)\n", n(st.Small.LiveObjects), formatBytes(int64(st.Small.LiveBytes)))
	printInfo("  Live pages: %s (%s acquired, %s pruned)\n",
		n(st.Small.LivePages), n(st.Small.PagesAcquired), n(st.Small.PagesReleased))
	printInfo("  Allocs/Frees: %s / %s\n\n", n(st.Small.Allocs), n(st.Small.Frees))

	printInfo("Medium/Large Heap:\n")
	printInfo("  Live objects: %s medium, %s large (%s)\n",
		n(st.Large.MediumObjects), n(st.Large.LargeObjects), formatBytes(int64(st.Large.LiveBytes)))
	printInfo("  Live pages: %s (%s tail pages discarded)\n", n(st.Large.LivePages), n(st.Large.DiscardedPages))
	printInfo("  Allocs/Frees: %s / %s\n\n", n(st.Large.Allocs), n(st.Large.Frees))

	printInfo("Reference Counts:\n")
	printInfo("  Increments/Decrements: %s / %s\n", n(st.RC.Incs), n(st.RC.Decs))
	printInfo("  Frees: %s (%s cascades, longest worklist %s)\n", n(st.RC.Frees), n(st.RC.Cascades), n(st.RC.MaxWorklist))
	printInfo("  Deferred zeros: %s\n\n", n(st.RC.DeferredZeros))

	printInfo("Handles:\n")
	printInfo("  Live: %s of %s\n", n(st.Handles.Live), n(st.Handles.Capacity))
	for _, k := range []kmem.HandleKind{kmem.Weak, kmem.Normal, kmem.Pinned, kmem.Dependent} {
		if c := st.Handles.ByKind[k]; c > 0 {
			printInfo("  %-12s %s\n", k.String()+":", n(c))
		}
	}
	printInfo("  Weak entries cleared: %s\n\n", n(st.Handles.WeakCleared))

	printInfo("Native Leases:\n")
	printInfo("  Live: %s (%s slots, %s page runs, %s)\n",
		n(st.Native.LiveLeases), n(st.Native.SlotLeases), n(st.Native.PageLeases), formatBytes(int64(st.Native.LiveBytes)))
	printInfo("  Pages: %s\n", n(st.Native.LivePages))
	printInfo("  Allocs/Frees/Reallocs: %s / %s / %s (%s moved)\n\n",
		n(st.Native.Allocs), n(st.Native.Frees), n(st.Native.Reallocs), n(st.Native.Moves))

	printInfo("Collector:\n")
	printInfo("  Runs: %s\n", n(st.GCRuns))
	printInfo("  Reclaimed: %s (%s by cascade)\n", n(st.GC.Reclaimed), n(st.GC.Cascaded))
	printInfo("  Pages pruned: %s\n", n(st.GC.PagesPruned))
	printInfo("  Root slots: %s\n", n(st.Roots))
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
