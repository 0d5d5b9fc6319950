package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/poolalloc/pkg/pool"
	"github.com/ajitpratap0/poolalloc/pkg/sizeclass"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "poolalloc",
		Short: "poolalloc - size-class segregated pool allocator",
		Long: `poolalloc routes allocations to one of a fixed set of lazily created
size-class pools and routes frees back to the owning pool.
This tool inspects the size-class layout and stress-tests the allocator.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "poolalloc v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "classify <size>...",
		Short: "Print the size class of each size",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd.OutOrStdout(), args)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "table",
		Short: "Print the size range served by every class",
		Run: func(cmd *cobra.Command, args []string) {
			printTable(cmd.OutOrStdout())
		},
	})

	root.AddCommand(newStressCmd())
	return root
}

func runClassify(out io.Writer, args []string) error {
	for _, arg := range args {
		size, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", arg, err)
		}
		class := sizeclass.Classify(size)
		if sizeclass.IsDefault(class) {
			fmt.Fprintf(out, "%d\t%d\tdefault\n", size, class)
			continue
		}
		fmt.Fprintf(out, "%d\t%d\n", size, class)
	}
	return nil
}

func printTable(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tMIN\tMAX\tPOOL")
	for class := 0; class <= sizeclass.DefaultClass; class++ {
		lo, hi := sizeclass.Bounds(class)
		if sizeclass.IsDefault(class) {
			fmt.Fprintf(w, "%d\t%d\t-\tdefault\n", class, lo)
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%#x\n", class, lo, hi, pool.Footprint)
	}
	_ = w.Flush()
}
